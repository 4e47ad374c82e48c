// Package auth implements the nonce/sign/login handshake and the bearer-token
// calls made against the mining API.
package auth

import (
	"context"
	"time"

	"github.com/bardlex/lightmine/internal/api"
	"github.com/bardlex/lightmine/internal/wallet"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
	"github.com/bardlex/lightmine/pkg/retry"
)

// DefaultInvitationCode is sent with every login.
const DefaultInvitationCode = "9M8HC"

// MiningInterval is how long a started mining session lasts.
const MiningInterval = 24 * time.Hour

// API paths, relative to the base URL.
const (
	PathGenerateNonce = "wallet/generateNonce"
	PathLogin         = "wallet/login"
	PathUserInfo      = "user/getUserInfo"
	PathMiningTime    = "assignment/totalMiningTime"
	PathStartMining   = "assignment/startMining"
)

// Requester is the subset of api.Requester the session service uses.
type Requester interface {
	Get(ctx context.Context, path, token string) (*api.Envelope, error)
	Post(ctx context.Context, path string, body any, token string) (*api.Envelope, error)
}

// MessageSigner signs a login message with a wallet's key.
type MessageSigner interface {
	Sign(message string, w wallet.Wallet) (string, error)
}

// Session is the bearer token obtained for one wallet in one cycle.
type Session struct {
	Token         string
	WalletAddress string
}

// UserInfo is the account profile attached to a session.
type UserInfo struct {
	UserID      any    `json:"userId"`
	TwName      string `json:"twName"`
	TotalReward any    `json:"totalReward"`
}

// MinerStatus is the last recorded mining start, in unix seconds.
type MinerStatus struct {
	LastMiningTime int64 `json:"lastMiningTime"`
}

// LastMined returns the last mining start as a time.
func (s MinerStatus) LastMined() time.Time {
	return time.Unix(s.LastMiningTime, 0)
}

// NextEligible returns the earliest time a new mining session may start.
func (s MinerStatus) NextEligible() time.Time {
	return time.Unix(s.LastMiningTime+int64(MiningInterval/time.Second), 0)
}

// EligibleAt reports whether mining may start at now. The boundary itself is not eligible.
func (s MinerStatus) EligibleAt(now time.Time) bool {
	return now.After(s.NextEligible())
}

// Config holds session service settings.
type Config struct {
	InvitationCode string
	Attempts       int
	RetryDelay     time.Duration
}

// DefaultConfig returns three outer attempts, three seconds apart.
func DefaultConfig() *Config {
	return &Config{
		InvitationCode: DefaultInvitationCode,
		Attempts:       3,
		RetryDelay:     3 * time.Second,
	}
}

// Service performs session operations. Each network call gets its own
// retry loop on top of the requester's per-proxy retries.
type Service struct {
	requester Requester
	signer    MessageSigner
	cfg       *Config
	logger    *log.Logger
}

// NewService creates a session service.
func NewService(requester Requester, signer MessageSigner, cfg *Config, logger *log.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.InvitationCode == "" {
		cfg.InvitationCode = DefaultInvitationCode
	}
	return &Service{
		requester: requester,
		signer:    signer,
		cfg:       cfg,
		logger:    logger.WithComponent("auth"),
	}
}

func (s *Service) retryConfig(op string) *retry.Config {
	return retry.FixedConfig(s.cfg.Attempts, s.cfg.RetryDelay).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("session call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"remaining", s.cfg.Attempts-attempt,
			"error", err.Error(),
		)
	})
}

// GetNonce requests a login nonce for address.
func (s *Service) GetNonce(ctx context.Context, address string) (string, error) {
	return retry.DoWithResult(ctx, s.retryConfig("get_nonce"), func() (string, error) {
		env, err := s.requester.Post(ctx, PathGenerateNonce, map[string]string{"walletAddress": address}, "")
		if err != nil {
			return "", err
		}

		var data struct {
			Nonce string `json:"nonce"`
		}
		if err := env.DecodeData(&data); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeApplication, "get_nonce", "nonce response malformed")
		}
		if data.Nonce == "" {
			return "", errors.New(errors.ErrorTypeApplication, "get_nonce", "response has no nonce").
				WithContext("wallet", address)
		}
		return data.Nonce, nil
	})
}

// Sign signs nonce with the wallet's key. Never retried.
func (s *Service) Sign(nonce string, w wallet.Wallet) (string, error) {
	sig, err := s.signer.Sign(nonce, w)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeSigning, "sign", "failed to sign nonce")
	}
	return sig, nil
}

// Login exchanges a signed nonce for a session token.
func (s *Service) Login(ctx context.Context, address, nonce, signature string) (*Session, error) {
	body := map[string]string{
		"address":        address,
		"invitationCode": s.cfg.InvitationCode,
		"message":        nonce,
		"signature":      signature,
	}

	return retry.DoWithResult(ctx, s.retryConfig("login"), func() (*Session, error) {
		env, err := s.requester.Post(ctx, PathLogin, body, "")
		if err != nil {
			return nil, err
		}

		var data struct {
			Token string `json:"token"`
		}
		if err := env.DecodeData(&data); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeApplication, "login", "login response malformed")
		}
		if data.Token == "" {
			return nil, errors.New(errors.ErrorTypeApplication, "login", "response has no token").
				WithContext("wallet", address)
		}
		return &Session{Token: data.Token, WalletAddress: address}, nil
	})
}

// Authenticate runs nonce, sign and login for one wallet.
func (s *Service) Authenticate(ctx context.Context, w wallet.Wallet) (*Session, error) {
	nonce, err := s.GetNonce(ctx, w.Address)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(nonce, w)
	if err != nil {
		return nil, err
	}
	return s.Login(ctx, w.Address, nonce, sig)
}

// GetUser fetches the profile bound to token.
func (s *Service) GetUser(ctx context.Context, token string) (*UserInfo, error) {
	return retry.DoWithResult(ctx, s.retryConfig("get_user"), func() (*UserInfo, error) {
		env, err := s.requester.Get(ctx, PathUserInfo, token)
		if err != nil {
			return nil, err
		}

		var info UserInfo
		if err := env.DecodeData(&info); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeApplication, "get_user", "user info missing")
		}
		return &info, nil
	})
}

// GetMinerStatus fetches the last mining time. A missing lastMiningTime inside
// data reads as zero; a response without data is an application error.
func (s *Service) GetMinerStatus(ctx context.Context, token string) (*MinerStatus, error) {
	return retry.DoWithResult(ctx, s.retryConfig("get_miner_status"), func() (*MinerStatus, error) {
		env, err := s.requester.Get(ctx, PathMiningTime, token)
		if err != nil {
			return nil, err
		}
		if !env.HasData() {
			return nil, errors.New(errors.ErrorTypeApplication, "get_miner_status", "response has no data")
		}

		var status MinerStatus
		if err := env.DecodeData(&status); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeApplication, "get_miner_status",
				"mining time response malformed")
		}
		return &status, nil
	})
}

// StartMining begins a mining session.
func (s *Service) StartMining(ctx context.Context, token string) (*api.Envelope, error) {
	return retry.DoWithResult(ctx, s.retryConfig("start_mining"), func() (*api.Envelope, error) {
		return s.requester.Post(ctx, PathStartMining, struct{}{}, token)
	})
}
