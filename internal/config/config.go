package config

import (
	"fmt"
	"github.com/ilyakaznacheev/cleanenv"
	"log"
	"sync"
)

type Config struct {
	Env      string `yaml:"env" env-default:"local"`
	Telegram struct {
		ApiKey  string `yaml:"api_key" env-default:""`
		AdminId int64  `yaml:"admin_id" env-default:"0"`
		BotName string `yaml:"bot_name" env-default:"ChatHiveBot"`
		Enabled bool   `yaml:"enabled" env-default:"false"`
	} `yaml:"telegram"`
	Provider struct {
		BaseURL     string `yaml:"base_url" env-default:"https://graph.facebook.com/v21.0"`
		VerifyToken string `yaml:"verify_token" env-default:""`
		AppSecret   string `yaml:"app_secret" env-default:""`
	} `yaml:"provider"`
	Vault struct {
		Secret string `yaml:"secret" env:"VAULT_SECRET" env-default:""`
	} `yaml:"vault"`
	Auth struct {
		Secret   string `yaml:"secret" env:"AUTH_SECRET" env-default:""`
		TTLHours int    `yaml:"ttl_hours" env-default:"24"`
	} `yaml:"auth"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:"admin"`
		Password string `yaml:"password" env-default:"pass"`
		Database string `yaml:"database" env-default:""`
	} `yaml:"mongo"`
	Ingress struct {
		Workers   int `yaml:"workers" env-default:"8"`
		QueueSize int `yaml:"queue_size" env-default:"1024"`
	} `yaml:"ingress"`
	Listen struct {
		BindIP   string `yaml:"bind_ip" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env-default:"9200"`
		AdminKey string `yaml:"admin_key" env-default:""`
	} `yaml:"listen"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("%s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}
