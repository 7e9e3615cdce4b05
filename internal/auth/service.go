// Package auth implements registration, the login protocol that binds an
// agent to a machine, and verification of bearer session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/registry"
)

// UserStore is the user persistence the service needs; *db.DB satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	MachineByMAC(ctx context.Context, mac string) (*models.Machine, error)
}

// MachineBinder binds a machine to a user; *registry.Registry satisfies it.
type MachineBinder interface {
	Bind(ctx context.Context, owner int64, mac, name, typ string) (*models.Machine, bool, error)
}

// Service wires the credential and token operations together.
type Service struct {
	users    UserStore
	machines MachineBinder
	issuer   *Issuer
	audit    audit.Sink
	logger   *slog.Logger

	Hasher Hasher
	// Now is the clock used for issuing and verifying tokens.
	Now func() time.Time
}

// NewService returns a Service. A nil sink discards audit events.
func NewService(users UserStore, machines MachineBinder, issuer *Issuer, sink audit.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    users,
		machines: machines,
		issuer:   issuer,
		audit:    sink,
		logger:   logger.With("component", "auth"),
		Now:      time.Now,
	}
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest is the body of POST /api/login. MACAddress, Username, Type
// and OS are only sent by desktop agents.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MACAddress string `json:"mac_address,omitempty"`
	Username   string `json:"username,omitempty"`
	Type       string `json:"type,omitempty"`
	OS         string `json:"c,omitempty"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, ".")
}

// Register creates an active user. A taken email is apperr.ErrConflict.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	email := NormalizeEmail(req.Email)
	verr := &apperr.ValidationError{}
	switch {
	case email == "":
		verr.Add("email", "required")
	case !validateEmail(email):
		verr.Add("email", "must be a valid email address")
	}
	switch {
	case req.Password == "":
		verr.Add("password", "required")
	case len(req.Password) > MaxPasswordBytes:
		verr.Add("password", fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes))
	}
	if err := verr.OrNil(); err != nil {
		s.emit(ctx, "", email, audit.OutcomeFailure, "register: "+err.Error())
		return nil, err
	}

	hash, err := s.Hasher.Hash(req.Password)
	if err != nil {
		s.emit(ctx, "", email, audit.OutcomeFailure, "register: hash password")
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(req.FullName),
		IsActive:     true,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		s.emit(ctx, "", email, audit.OutcomeFailure, "register: "+err.Error())
		return nil, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	s.emit(ctx, strconv.FormatInt(u.ID, 10), email, audit.OutcomeSuccess, "register")
	return u, nil
}

// MachineTypeFor picks the machine type for an agent login: an explicit pc
// or server wins, otherwise an OS string mentioning "server" means server.
func MachineTypeFor(explicit, os string) string {
	if models.ValidMachineTypes[explicit] {
		return explicit
	}
	if strings.Contains(strings.ToLower(os), "server") {
		return models.MachineTypeServer
	}
	return models.MachineTypePC
}

// Login checks credentials and issues a session token. With a MAC address
// the machine is bound to the user and a pc token is issued; otherwise a
// user token. Unknown email, inactive account and wrong password are the
// same apperr.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)
	verr := &apperr.ValidationError{}
	if email == "" {
		verr.Add("email", "required")
	}
	if req.Password == "" {
		verr.Add("password", "required")
	}
	var mac string
	if req.MACAddress != "" {
		canon, err := registry.CanonicalMAC(req.MACAddress)
		if err != nil {
			verr.Add("mac_address", "must be a MAC address like AA:BB:CC:DD:EE:FF")
		}
		mac = canon
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	u, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		s.Hasher.Burn(req.Password)
		s.emit(ctx, "", email, audit.OutcomeFailure, "unknown email")
		return nil, apperr.ErrInvalidCredentials
	}
	if !s.Hasher.Verify(req.Password, u.PasswordHash) || !u.IsActive {
		s.emit(ctx, strconv.FormatInt(u.ID, 10), email, audit.OutcomeFailure, "bad password or inactive")
		return nil, apperr.ErrInvalidCredentials
	}

	var p Principal = UserSession{UserID: u.ID}
	if mac != "" {
		m, _, err := s.machines.Bind(ctx, u.ID, mac, strings.TrimSpace(req.Username), MachineTypeFor(req.Type, req.OS))
		if err != nil {
			if errors.Is(err, apperr.ErrForbidden) {
				s.emit(ctx, strconv.FormatInt(u.ID, 10), mac, audit.OutcomeDenied, "machine owned by another user")
			}
			return nil, err
		}
		p = AgentSession{UserID: u.ID, MAC: m.MACAddress, MachineType: m.Type}
	}

	token, claims, err := s.issuer.Issue(p, s.Now())
	if err != nil {
		return nil, err
	}
	target := email
	if mac != "" {
		target = mac
	}
	s.emit(ctx, strconv.FormatInt(u.ID, 10), target, audit.OutcomeSuccess, "login "+p.TokenType())
	return &LoginResult{Token: token, Type: p.TokenType(), ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Authenticate verifies token and confirms its subject still exists and is
// active. For agent tokens the bound machine must still belong to the
// subject. Any failure is an authentication error.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.issuer.Verify(token, s.Now())
	if err != nil {
		return nil, err
	}
	p, err := claims.Principal()
	if err != nil {
		return nil, err
	}

	u, err := s.users.UserByID(ctx, p.Subject())
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsActive {
		return nil, apperr.ErrUnknownSubject
	}

	if a, ok := p.(AgentSession); ok {
		m, err := s.users.MachineByMAC(ctx, a.MAC)
		if err != nil {
			return nil, err
		}
		if m == nil || !m.OwnedBy(u.ID) {
			return nil, apperr.ErrUnknownSubject
		}
	}
	return p, nil
}

// EnsureAdmin creates the initial account when email and password are both
// set and no user with that email exists. It reports whether a user was
// created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return false, nil
	}
	existing, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	_, err = s.Register(ctx, RegisterRequest{Email: email, Password: password, FullName: "Administrator"})
	if errors.Is(err, apperr.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) emit(ctx context.Context, actor, target, outcome, detail string) {
	s.audit.Emit(ctx, audit.Event{
		Category: audit.CategoryAuth,
		Actor:    actor,
		Target:   target,
		Outcome:  outcome,
		Detail:   detail,
	})
}
