package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/service"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/store/memory"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	stub := &userStoreStub{
		users: map[string]domain.UserAccount{
			"legacy": {Username: "legacy", Password: "plain-pass", Role: domain.RoleStaff, Active: true},
		},
	}

	manager := NewAuthManager(context.Background(), "secret", time.Hour, stub)

	if stub.updates != 1 {
		t.Fatalf("expected one password upgrade, got %d", stub.updates)
	}
	if !isPasswordHash(stub.users["legacy"].Password) {
		t.Fatalf("expected stored password to be hashed")
	}
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "plain-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleStaff {
		t.Fatalf("expected staff role, got %q", resp.Role)
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	stub := &userStoreStub{
		users: map[string]domain.UserAccount{
			"gone": {Username: "gone", Password: mustHashPassword(t, "secret1"), Role: domain.RoleStaff, Active: false},
		},
	}
	manager := NewAuthManager(context.Background(), "secret", time.Hour, stub)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "secret1"})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive error, got %v", err)
	}
}

func TestTokenExpiresWithClock(t *testing.T) {
	manager := NewAuthManager(context.Background(), "secret", time.Minute, nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return base }

	token, err := manager.sign("admin", domain.RoleAdmin, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse fresh token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	manager.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenWithUnknownRoleRejected(t *testing.T) {
	manager := NewAuthManager(context.Background(), "secret", time.Hour, nil)
	token, err := manager.sign("eve", "owner", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestSeedHashesAndSkipsExisting(t *testing.T) {
	stub := &userStoreStub{}
	manager := NewAuthManager(context.Background(), "secret", time.Hour, stub)

	accounts := []domain.UserAccount{{Username: " Owner ", Password: "owner-pass", Role: domain.RoleAdmin}}
	if err := manager.Seed(context.Background(), accounts); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stored, ok := stub.users["owner"]
	if !ok {
		t.Fatalf("expected normalized username to be stored, got %v", stub.users)
	}
	if !isPasswordHash(stored.Password) || !stored.Active {
		t.Fatalf("expected active hashed account, got %+v", stored)
	}

	accounts[0].Password = "changed"
	if err := manager.Seed(context.Background(), accounts); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if stub.users["owner"].Password != stored.Password {
		t.Fatalf("expected existing account to be left alone")
	}

	err := manager.Seed(context.Background(), []domain.UserAccount{{Username: "ghost", Password: "x", Role: "owner"}})
	if err == nil {
		t.Fatalf("expected unknown role to fail seeding")
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager(context.Background(), "secret", time.Hour, &userStoreStub{})

	cases := []UserCreateRequest{
		{Username: "ab", Password: "secret1"},
		{Username: "with space", Password: "secret1"},
		{Username: "valid", Password: "123"},
		{Username: "valid", Password: "secret1", Role: "owner"},
	}
	for _, req := range cases {
		_, err := manager.CreateUser(context.Background(), req)
		var verr *service.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}

	user, err := manager.CreateUser(context.Background(), UserCreateRequest{Username: "Clerk", Password: "secret1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.Username != "clerk" || user.Role != domain.RoleStaff {
		t.Fatalf("expected lowercased staff user, got %+v", user)
	}
}

func TestDBUserStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := store.Open(memory.New(0), store.Options{})
	users := NewDBUserStore(db)

	listed, err := users.ListUsers(ctx)
	if err != nil || len(listed) != 0 {
		t.Fatalf("expected no users, got %v (%v)", listed, err)
	}

	account := domain.UserAccount{Username: "admin", Password: "hash", Role: domain.RoleAdmin, Active: true}
	if err := users.CreateUser(ctx, account); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := users.CreateUser(ctx, account); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate, got %v", err)
	}
	if err := users.UpdateUserPassword(ctx, "admin", "new-hash"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := users.UpdateUserPassword(ctx, "nobody", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	listed, err = users.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Password != "new-hash" {
		t.Fatalf("unexpected users %+v", listed)
	}
}
