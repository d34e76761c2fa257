package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

type managedGateway struct {
	gateway *Gateway
	refs    int
}

// GatewayManager shares one Gateway per bot token between all of the
// consumers using that token. A Gateway is connected on first Acquire
// and closed when its last reference is released.
type GatewayManager struct {
	mu       sync.Mutex
	gateways map[string]*managedGateway
	opts     []GatewayOption
	base     *slog.Logger
	logger   *slog.Logger
	closed   bool
}

func NewGatewayManager(logger *slog.Logger, opts ...GatewayOption) *GatewayManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayManager{
		gateways: map[string]*managedGateway{},
		opts:     opts,
		base:     logger,
		logger:   logger.With(loggerNameKey, "gateway_manager"),
	}
}

// Acquire returns the Gateway for token, connecting it if needed.
// release must be called once the caller no longer needs the Gateway.
func (m *GatewayManager) Acquire(ctx context.Context, token string) (
	*Gateway,
	func(),
	error,
) {
	if token == "" {
		return nil, nil, ErrMissingCredential
	}
	fp := tokenFingerprint(token)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrGatewayClosed
	}
	mg, ok := m.gateways[fp]
	if !ok {
		opts := append([]GatewayOption{WithGatewayLogger(m.base)}, m.opts...)
		mg = &managedGateway{gateway: NewGateway(token, opts...)}
		m.gateways[fp] = mg
		m.logger.InfoContext(ctx, "created gateway", "token", fp)
	}
	mg.refs++
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(fp, mg) })
	}

	// no-op when already running, restarts a failed gateway
	if err := mg.gateway.Connect(ctx); err != nil {
		release()
		return nil, nil, err
	}
	return mg.gateway, release, nil
}

func (m *GatewayManager) release(fp string, mg *managedGateway) {
	m.mu.Lock()
	mg.refs--
	if mg.refs > 0 || m.gateways[fp] != mg {
		m.mu.Unlock()
		return
	}
	delete(m.gateways, fp)
	m.mu.Unlock()

	m.logger.Info("closing unused gateway", "token", fp)
	if err := mg.gateway.Close(); err != nil {
		m.logger.Warn("error closing gateway", "token", fp, tint.Err(err))
	}
}

// Stats returns a snapshot of every managed Gateway, keyed by token
// fingerprint.
func (m *GatewayManager) Stats() map[string]GatewayStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]GatewayStats, len(m.gateways))
	for fp, mg := range m.gateways {
		stats[fp] = mg.gateway.Stats()
	}
	return stats
}

func (m *GatewayManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gateways)
}

// Close shuts down every managed Gateway. Subsequent calls to Acquire
// return ErrGatewayClosed.
func (m *GatewayManager) Close() error {
	m.mu.Lock()
	m.closed = true
	gateways := make([]*Gateway, 0, len(m.gateways))
	for _, mg := range m.gateways {
		gateways = append(gateways, mg.gateway)
	}
	m.gateways = map[string]*managedGateway{}
	m.mu.Unlock()

	var errs []error
	for _, g := range gateways {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
