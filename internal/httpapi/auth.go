package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/service"
	"posadmin/backend/internal/store"
)

var errInvalidCredentials = errors.New("invalid credentials")

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	users     map[string]credential
	now       func() time.Time
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	active   bool
	created  time.Time
}

type posClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// UserView is the public shape of an account.
type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		users:     make(map[string]credential),
		now:       time.Now,
	}
	manager.bootstrapUsers(ctx)
	return manager
}

// Seed registers accounts that do not exist yet. Plain-text passwords are
// hashed before they are persisted.
func (a *AuthManager) Seed(ctx context.Context, accounts []domain.UserAccount) error {
	for _, account := range accounts {
		username := strings.ToLower(strings.TrimSpace(account.Username))
		a.mu.RLock()
		_, exists := a.users[username]
		a.mu.RUnlock()
		if exists || username == "" {
			continue
		}
		if !service.ValidRole(account.Role) {
			return fmt.Errorf("seed user %q: unknown role %q", username, account.Role)
		}
		password := account.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err != nil {
				return fmt.Errorf("seed user %q: %w", username, err)
			}
			password = hashed
		}
		created := a.now().UTC()
		if err := a.persist(ctx, domain.UserAccount{
			Username:  username,
			Password:  password,
			Role:      account.Role,
			Active:    true,
			CreatedAt: created,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	perms := service.Permissions(cred.role)
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p))
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		Permissions: names,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !service.ValidRole(claims.Role) {
		return domain.Actor{}, errors.New("invalid token role")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "posadmin",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) CreateUser(ctx context.Context, req UserCreateRequest) (UserView, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return UserView{}, &service.ValidationError{Problems: []string{"username must be at least 4 characters"}}
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return UserView{}, &service.ValidationError{Problems: []string{"username must not contain spaces"}}
	}
	if len(req.Password) < 6 {
		return UserView{}, &service.ValidationError{Problems: []string{"password must be at least 6 characters"}}
	}
	role := req.Role
	if role == "" {
		role = domain.RoleStaff
	}
	if !service.ValidRole(role) {
		return UserView{}, &service.ValidationError{Problems: []string{"role must be one of admin manager staff"}}
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return UserView{}, fmt.Errorf("user %q: %w", username, store.ErrConflict)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return UserView{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      role,
		Active:    true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.persist(ctx, account); err != nil {
		return UserView{}, err
	}
	return UserView{Username: username, Role: role, Active: true, CreatedAt: account.CreatedAt}, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) []UserView {
	a.bootstrapUsers(ctx)
	a.mu.RLock()
	result := make([]UserView, 0, len(a.users))
	for username, user := range a.users {
		result = append(result, UserView{
			Username:  username,
			Role:      user.role,
			Active:    user.active,
			CreatedAt: user.created,
		})
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

func (a *AuthManager) persist(ctx context.Context, account domain.UserAccount) error {
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.users[account.Username] = credential{
		password: account.Password,
		role:     account.Role,
		active:   account.Active,
		created:  account.CreatedAt,
	}
	a.mu.Unlock()
	return nil
}

// bootstrapUsers loads accounts from the user store into the in-memory
// credential cache and upgrades legacy plain-text passwords to bcrypt.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		a.users[username] = credential{
			password: password,
			role:     user.Role,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

// DBUserStore keeps accounts in the users document of the collection store.
// Accounts are not part of backup snapshots.
type DBUserStore struct {
	db *store.DB
}

func NewDBUserStore(db *store.DB) *DBUserStore {
	return &DBUserStore{db: db}
}

func (s *DBUserStore) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var users []domain.UserAccount
	if _, err := s.db.Read(ctx, store.KeyUsers, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *DBUserStore) CreateUser(ctx context.Context, user domain.UserAccount) error {
	return s.mutate(ctx, func(users []domain.UserAccount) ([]domain.UserAccount, error) {
		if slices.ContainsFunc(users, func(u domain.UserAccount) bool { return u.Username == user.Username }) {
			return nil, fmt.Errorf("user %q: %w", user.Username, store.ErrConflict)
		}
		return append(users, user), nil
	})
}

func (s *DBUserStore) UpdateUserPassword(ctx context.Context, username string, password string) error {
	return s.mutate(ctx, func(users []domain.UserAccount) ([]domain.UserAccount, error) {
		i := slices.IndexFunc(users, func(u domain.UserAccount) bool { return u.Username == username })
		if i < 0 {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		users[i].Password = password
		return users, nil
	})
}

func (s *DBUserStore) mutate(ctx context.Context, fn func([]domain.UserAccount) ([]domain.UserAccount, error)) error {
	return s.db.Mutate(ctx, store.KeyUsers, func(current json.RawMessage, present bool) (any, error) {
		var users []domain.UserAccount
		if present {
			if err := json.Unmarshal(current, &users); err != nil {
				return nil, fmt.Errorf("decode users: %w", err)
			}
		}
		return fn(users)
	})
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
