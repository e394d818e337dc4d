package main

import "sync"

// Account is the active wallet account used to sign contract calls
type Account struct {
	Address    string `json:"address"`
	PrivateKey string `json:"-"`
}

// CurrentSigner exposes the wallet's active account
type CurrentSigner interface {
	ActiveAccount() (*Account, bool)
}

// WalletSession holds the unlocked account for the lifetime of the process.
// It is owned by the wallet layer and injected into subnets.
type WalletSession struct {
	mu      sync.RWMutex
	account *Account
}

// NewWalletSession creates a locked session
func NewWalletSession() *WalletSession {
	return &WalletSession{}
}

// SetActiveAccount unlocks the session with acct
func (s *WalletSession) SetActiveAccount(acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = &acct
}

// Lock forgets the active account
func (s *WalletSession) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = nil
}

// ActiveAccount returns a copy of the active account
func (s *WalletSession) ActiveAccount() (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.account == nil {
		return nil, false
	}
	acct := *s.account
	return &acct, true
}
