package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const tokenIssuer = "pos-ledger"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// UserStore persists the accounts the AuthManager caches.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues and checks access tokens and holds the manager PIN
// hash. Accounts are cached in memory and refreshed from the UserStore.
type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	pinHash   string
	userStore UserStore
	log       *zap.Logger
	parser    *jwtlib.Parser

	mu    sync.RWMutex
	users map[string]credential
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

// NewAuthManager hashes managerPIN when one is given. An empty PIN leaves
// voids gated by role only.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore, log *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}

	a := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		log:       log,
		parser:    jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer)),
		users:     make(map[string]credential),
	}
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		hashed, err := hashPassword(pin)
		if err != nil {
			log.Error("hash manager pin", zap.Error(err))
		}
		a.pinHash = hashed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.refreshUsers(ctx)
	return a
}

// PINRequired reports whether voids must carry a manager PIN.
func (a *AuthManager) PINRequired() bool {
	return a.pinHash != ""
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	return a.PINRequired() && verifyPassword(a.pinHash, strings.TrimSpace(pin))
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refreshUsers(ctx)
	username := normalizeUsername(req.Username)
	cred, ok := a.lookup(username)
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.issueToken(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign access token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) issueToken(username, role string, expiresAt time.Time) (string, error) {
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &posClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwtlib.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refreshUsers(ctx)
	username, err := validateCashier(req)
	if err != nil {
		return domain.CashierUser{}, err
	}
	if _, exists := a.lookup(username); exists {
		return domain.CashierUser{}, fmt.Errorf("%w: username already exists", store.ErrConflict)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash cashier password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.cache(account)
	a.mu.Unlock()
	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}, nil
}

func validateCashier(req domain.CashierCreateRequest) (string, error) {
	username := normalizeUsername(req.Username)
	switch {
	case len(username) < 4:
		return "", fmt.Errorf("%w: username must be at least 4 characters", store.ErrValidation)
	case strings.ContainsAny(username, " \t\r\n"):
		return "", fmt.Errorf("%w: username must not contain spaces", store.ErrValidation)
	case len(strings.TrimSpace(req.Password)) < 6:
		return "", fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}
	return username, nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.refreshUsers(ctx)

	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.users))
	for username, cred := range a.users {
		if cred.role == domain.RoleCashier {
			result = append(result, domain.CashierUser{
				Username:  username,
				Role:      cred.role,
				Active:    cred.active,
				CreatedAt: cred.created,
			})
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(result, func(x, y domain.CashierUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return result
}

func (a *AuthManager) lookup(username string) (credential, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cred, ok := a.users[username]
	return cred, ok
}

// refreshUsers reloads the credential cache from the user store. Any
// plain-text password found there is rewritten as a bcrypt hash.
func (a *AuthManager) refreshUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	accounts, err := a.userStore.ListUsers(ctx)
	if err != nil {
		a.log.Warn("load users failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, account := range accounts {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isPasswordHash(account.Password) {
			hashed, err := hashPassword(account.Password)
			if err != nil {
				continue
			}
			account.Password = hashed
			if err := a.userStore.UpdateUserPassword(ctx, account.Username, hashed); err != nil {
				a.log.Warn("upgrade password hash failed", zap.String("username", account.Username), zap.Error(err))
			}
		}
		a.cache(account)
	}
}

// cache must be called with a.mu held.
func (a *AuthManager) cache(account domain.UserAccount) {
	a.users[account.Username] = credential{
		password: account.Password,
		role:     account.Role,
		active:   account.Active,
		created:  account.CreatedAt,
	}
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func verifyPassword(stored string, input string) bool {
	if !isPasswordHash(stored) || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
