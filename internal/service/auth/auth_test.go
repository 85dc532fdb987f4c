package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"ChatHive/entity"
)

type fakeDirectory struct {
	accounts map[entity.AccountID]*entity.Account
}

func (d *fakeDirectory) FindAccount(_ context.Context, id entity.AccountID) (*entity.Account, error) {
	return d.accounts[id], nil
}

func testService(accounts map[entity.AccountID]*entity.Account) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthService(log, &fakeDirectory{accounts: accounts}, "signing-secret", 1)
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := testService(map[entity.AccountID]*entity.Account{
		"acc-1": {ID: "acc-1", Status: entity.AccountStatusActive},
	})

	token, err := svc.IssueToken("acc-1", "operator")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	user, err := svc.AuthenticateByToken(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.AccountID != "acc-1" || user.Username != "operator" {
		t.Fatalf("wrong identity: %+v", user)
	}
}

func TestIssueRejectsUnknownAccount(t *testing.T) {
	svc := testService(map[entity.AccountID]*entity.Account{})

	if _, err := svc.IssueToken("ghost", "operator"); err == nil {
		t.Fatal("token issued for unknown account")
	}
}

func TestAuthenticateRejectsSuspendedAccount(t *testing.T) {
	accounts := map[entity.AccountID]*entity.Account{
		"acc-1": {ID: "acc-1", Status: entity.AccountStatusActive},
	}
	svc := testService(accounts)

	token, err := svc.IssueToken("acc-1", "operator")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	// Suspension after issuance invalidates the live token.
	accounts["acc-1"].Status = entity.AccountStatusSuspended

	if _, err := svc.AuthenticateByToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for suspended account, got %v", err)
	}
}

func TestAuthenticateRejectsTamperedToken(t *testing.T) {
	svc := testService(map[entity.AccountID]*entity.Account{
		"acc-1": {ID: "acc-1", Status: entity.AccountStatusActive},
	})

	token, err := svc.IssueToken("acc-1", "operator")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := svc.AuthenticateByToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateByToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthenticateRejectsForeignSignature(t *testing.T) {
	accounts := map[entity.AccountID]*entity.Account{
		"acc-1": {ID: "acc-1", Status: entity.AccountStatusActive},
	}
	issuer := testService(accounts)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := NewAuthService(log, &fakeDirectory{accounts: accounts}, "other-secret", 1)

	token, err := issuer.IssueToken("acc-1", "operator")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := verifier.AuthenticateByToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken across secrets, got %v", err)
	}
}
