// Package gateway is the Credential Store (C2): an LRU- and circuit-
// breaker-guarded pool of exchange.Gateway instances keyed by
// ExchangeAccountID, decrypting stored credentials on first use and
// probing position mode once per account lifetime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signalrelay/pkg/crypto"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("exchange account not found")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway            exchange.Gateway
	ExchangeAccountID  string
	Venue              string
	CreatedAt          time.Time
	LastUsed           time.Time
	HealthyAt          time.Time
	Failures           int
	positionModeOnce   sync.Once
	positionModeResult exchange.PositionMode
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying unhealthy gateway

	// CredentialFallbackEnabled allows falling back to plaintext
	// account.APIKey/APISecret when decryption fails (legacy rows).
	CredentialFallbackEnabled bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          200,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of Gateway instances with LRU eviction and health checks.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // exchangeAccountID -> cached gateway
	lruOrder []string                  // LRU tracking (oldest first)

	config  Config
	crypto  *crypto.KeyManager
	queries *db.Gateway
	factory GatewayFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(queries *db.Gateway, cryptoMgr *crypto.KeyManager, factory GatewayFactory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		crypto:   cryptoMgr,
		queries:  queries,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns an existing Gateway or creates a new one for the account.
func (m *Manager) GetOrCreate(ctx context.Context, exchangeAccountID string) (exchange.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[exchangeAccountID]; ok {
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrGatewayUnhealthy
			}
		}
		m.mu.RUnlock()
		m.touchLRU(exchangeAccountID)
		return cached.Gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, exchangeAccountID)
}

func (m *Manager) createGateway(ctx context.Context, exchangeAccountID string) (exchange.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[exchangeAccountID]; ok {
		m.touchLRULocked(exchangeAccountID)
		return cached.Gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	account, err := m.queries.GetExchangeAccount(ctx, exchangeAccountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get exchange account: %w", err)
	}

	apiKey, apiSecret, err := m.decryptCredentials(*account)
	if err != nil {
		return nil, err
	}

	gw, err := m.factory(*account, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	cached := &CachedGateway{
		Gateway:           gw,
		ExchangeAccountID: exchangeAccountID,
		Venue:             account.Venue,
		CreatedAt:         now,
		LastUsed:          now,
		HealthyAt:         now,
	}
	m.gateways[exchangeAccountID] = cached
	m.lruOrder = append(m.lruOrder, exchangeAccountID)

	return gw, nil
}

// decryptCredentials decrypts stored credentials, optionally falling back
// to the plaintext columns when CredentialFallbackEnabled and decryption
// fails (legacy rows written before encryption was enforced).
func (m *Manager) decryptCredentials(account db.ExchangeAccount) (apiKey, apiSecret string, err error) {
	if m.crypto == nil {
		return account.APIKey, account.APISecret, nil
	}

	apiKey, keyErr := m.crypto.Decrypt(account.APIKey)
	apiSecret, secretErr := m.crypto.Decrypt(account.APISecret)
	if keyErr == nil && secretErr == nil {
		return apiKey, apiSecret, nil
	}

	if m.config.CredentialFallbackEnabled {
		return account.APIKey, account.APISecret, nil
	}
	if keyErr != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", keyErr)
	}
	return "", "", fmt.Errorf("decrypt api secret: %w", secretErr)
}

// PositionMode returns the cached gateway's probed position mode, probing
// at most once for the lifetime of the cached entry (§4.2).
func (m *Manager) PositionMode(ctx context.Context, exchangeAccountID string) (exchange.PositionMode, error) {
	m.mu.RLock()
	cached, ok := m.gateways[exchangeAccountID]
	m.mu.RUnlock()
	if !ok {
		gw, err := m.GetOrCreate(ctx, exchangeAccountID)
		if err != nil {
			return "", err
		}
		m.mu.RLock()
		cached = m.gateways[exchangeAccountID]
		m.mu.RUnlock()
		_ = gw
	}

	var probeErr error
	cached.positionModeOnce.Do(func() {
		mode, err := cached.Gateway.GetPositionMode(ctx)
		if err != nil {
			probeErr = err
			return
		}
		cached.positionModeResult = mode
		if m.queries != nil {
			_ = m.queries.SetExchangeAccountPositionMode(ctx, exchangeAccountID, string(mode))
		}
	})
	if probeErr != nil {
		return "", probeErr
	}
	return cached.positionModeResult, nil
}

// Remove removes a gateway from the pool.
func (m *Manager) Remove(exchangeAccountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[exchangeAccountID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, exchangeAccountID)
		m.removeLRULocked(exchangeAccountID)
	}
}

// RecordFailure records a failure for a gateway.
func (m *Manager) RecordFailure(exchangeAccountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[exchangeAccountID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(exchangeAccountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[exchangeAccountID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.config.MaxSize,
		ByVenue:       make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByVenue[cached.Venue]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int
	MaxSize        int
	ByVenue        map[string]int
	UnhealthyCount int
}

// --- Internal helpers ---

func (m *Manager) touchLRU(exchangeAccountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(exchangeAccountID)
}

func (m *Manager) touchLRULocked(exchangeAccountID string) {
	if cached, ok := m.gateways[exchangeAccountID]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == exchangeAccountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, exchangeAccountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(exchangeAccountID string) {
	for i, id := range m.lruOrder {
		if id == exchangeAccountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldestID := m.lruOrder[0]
	if cached, ok := m.gateways[oldestID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		if cached, ok := m.gateways[id]; ok {
			if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(ctx, id)
	}
}

func (m *Manager) healthCheck(ctx context.Context, exchangeAccountID string) {
	m.mu.RLock()
	cached, ok := m.gateways[exchangeAccountID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := cached.Gateway.ListPositions(checkCtx)
	cancel()

	if err != nil {
		m.RecordFailure(exchangeAccountID)
	} else {
		m.RecordSuccess(exchangeAccountID)
	}
}
