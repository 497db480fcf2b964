// Package reconciler converges the provider client registry onto the
// orchestrator's credential configuration.
package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/InferiaAI/nosana-sidecar/internal/orchestrator"
	"github.com/InferiaAI/nosana-sidecar/internal/provider"
)

// DefaultInterval is the reconciliation cadence.
const DefaultInterval = 10 * time.Second

// failureLogEvery throttles repeated fetch-failure warnings.
const failureLogEvery = 6

// Source fetches the authoritative credential set.
type Source interface {
	FetchCredentials(ctx context.Context) (*orchestrator.CredentialsSnapshot, error)
}

// Factory builds a provider client for a credential. Construction may fail
// (bad key material); the reconciler then keeps whatever client already
// exists.
type Factory func(ctx context.Context, cred provider.Credential) (*provider.Client, error)

// Reconciler polls the orchestrator for credentials and converges the
// registry: new names get clients, changed secrets get replacement clients,
// removed names get retired.
type Reconciler struct {
	source   Source
	registry *provider.Registry
	factory  Factory
	logger   *slog.Logger
	interval time.Duration

	fetchFailures int
}

// New creates a reconciler over registry.
func New(source Source, registry *provider.Registry, factory Factory, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		registry: registry,
		factory:  factory,
		logger:   logger,
		interval: DefaultInterval,
	}
}

// WithInterval overrides the poll cadence; used by tests.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	r.interval = d
	return r
}

// Run reconciles until ctx is cancelled. The first pass runs immediately so
// the sidecar is usable as soon as the orchestrator answers.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one convergence pass. A fetch failure leaves the registry
// untouched: a flapping orchestrator must not tear down working clients.
func (r *Reconciler) Reconcile(ctx context.Context) {
	snap, err := r.source.FetchCredentials(ctx)
	if err != nil {
		r.fetchFailures++
		if r.fetchFailures == 1 || r.fetchFailures%failureLogEvery == 0 {
			r.logger.Warn("credential fetch failed; keeping current clients",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", r.fetchFailures),
			)
		}
		return
	}
	r.fetchFailures = 0

	desired := desiredCredentials(snap, r.logger)

	// Retire clients whose names disappeared. Their deployments keep
	// running on the Network; only supervision-side re-launch is disabled.
	for _, name := range r.registry.Names() {
		if _, ok := desired[name]; ok {
			continue
		}
		client, ok := r.registry.Remove(name)
		if !ok {
			continue
		}
		ids := client.RetireWatched()
		r.logger.Warn("credential removed; its deployments are now unsupervised",
			slog.String("credential", name),
			slog.Any("deployments", ids),
		)
	}

	for name, cred := range desired {
		existing, ok := r.registry.Get(name)
		if ok && existing.Credential().Fingerprint() == cred.Fingerprint() {
			continue
		}

		client, err := r.factory(ctx, cred)
		if err != nil {
			// Keep the old client, if any, rather than serving nothing.
			r.logger.Error("provider client build failed",
				slog.String("credential", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			existing.RetireWatched()
			r.logger.Info("credential rotated; client replaced",
				slog.String("credential", name))
		} else {
			r.logger.Info("credential added; client built",
				slog.String("credential", name),
				slog.String("mode", string(cred.Mode())),
			)
		}
		r.registry.Set(name, client)
	}

	// With no explicit default, the first remaining credential serves
	// unnamed requests.
	if r.registry.DefaultName() == "" {
		if names := r.registry.Names(); len(names) > 0 {
			r.registry.SetDefault(names[0])
			r.logger.Info("promoted credential to default",
				slog.String("credential", names[0]))
		}
	}
}

// desiredCredentials flattens a snapshot into the target name→credential
// map. The legacy unnamed credential maps onto "default"; an active named
// "default" entry would shadow it and is skipped with a warning.
func desiredCredentials(snap *orchestrator.CredentialsSnapshot, logger *slog.Logger) map[string]provider.Credential {
	desired := make(map[string]provider.Credential)

	if snap.Nosana != nil {
		cred := provider.Credential{
			Name:       provider.DefaultCredentialName,
			PrivateKey: strings.TrimSpace(snap.Nosana.PrivateKey),
			APIKey:     strings.TrimSpace(snap.Nosana.APIKey),
		}
		if cred.Valid() {
			desired[cred.Name] = cred
		}
	}

	for _, entry := range snap.Credentials {
		if !entry.Active {
			continue
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			logger.Warn("skipping credential with empty name")
			continue
		}
		cred := provider.Credential{
			Name:       name,
			PrivateKey: strings.TrimSpace(entry.PrivateKey),
			APIKey:     strings.TrimSpace(entry.APIKey),
		}
		if !cred.Valid() {
			logger.Warn("skipping credential with no secret material",
				slog.String("credential", name))
			continue
		}
		if _, dup := desired[name]; dup {
			logger.Warn("duplicate credential name; keeping the first",
				slog.String("credential", name))
			continue
		}
		desired[name] = cred
	}
	return desired
}
