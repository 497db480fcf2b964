package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
	"github.com/InferiaAI/nosana-sidecar/internal/orchestrator"
	apierrors "github.com/InferiaAI/nosana-sidecar/internal/pkg/errors"
)

type fakeGateway struct {
	mu     sync.Mutex
	nextID int

	deployments map[string]*nosana.Deployment
	jobs        map[string][]nosana.Job
	jobDetails  map[string]*nosana.JobDetail

	createReqs     []nosana.CreateDeploymentRequest
	startCalls     []string
	stopCalls      []string
	stopJobCalls   []string
	timeoutCalls   []string
	extendCalls    []string
	pinned         []any
	listed         []nosana.Deployment
	results        map[string]any
	credits        *nosana.CreditsBalance
	wallet         *nosana.WalletBalance
	statusOnCreate nosana.DeploymentStatus

	createErr  error
	startErr   error
	stopErr    error
	timeoutErr error
	extendErr  error
	pinErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		deployments:    make(map[string]*nosana.Deployment),
		jobs:           make(map[string][]nosana.Job),
		jobDetails:     make(map[string]*nosana.JobDetail),
		results:        make(map[string]any),
		statusOnCreate: nosana.DeploymentRunning,
	}
}

func (g *fakeGateway) CreateDeployment(_ context.Context, req nosana.CreateDeploymentRequest) (*nosana.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.createReqs = append(g.createReqs, req)
	g.nextID++
	id := fmt.Sprintf("dep-%d", g.nextID)
	dep := &nosana.Deployment{
		ID:       id,
		Name:     req.Name,
		Market:   req.Market,
		Status:   g.statusOnCreate,
		Strategy: req.Strategy,
		Timeout:  req.Timeout,
		Endpoints: []nosana.Endpoint{
			{URL: "https://" + id + ".svc.example"},
		},
	}
	g.deployments[id] = dep
	g.jobs[id] = []nosana.Job{{Address: "job-" + id}}
	return dep, nil
}

func (g *fakeGateway) StartDeployment(_ context.Context, id string) (nosana.DeploymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return "", g.startErr
	}
	g.startCalls = append(g.startCalls, id)
	return nosana.DeploymentStarting, nil
}

func (g *fakeGateway) GetDeployment(_ context.Context, id string) (*nosana.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.deployments[id]
	if !ok {
		return nil, &nosana.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	cp := *dep
	return &cp, nil
}

func (g *fakeGateway) StopDeployment(_ context.Context, id string) (nosana.DeploymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopErr != nil {
		return "", g.stopErr
	}
	g.stopCalls = append(g.stopCalls, id)
	if dep, ok := g.deployments[id]; ok {
		dep.Status = nosana.DeploymentStopped
	}
	return nosana.DeploymentStopped, nil
}

func (g *fakeGateway) UpdateDeploymentTimeout(_ context.Context, id string, minutes int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timeoutErr != nil {
		return 0, g.timeoutErr
	}
	g.timeoutCalls = append(g.timeoutCalls, id)
	return minutes, nil
}

func (g *fakeGateway) ListDeployments(_ context.Context, _ ...nosana.DeploymentStatus) ([]nosana.Deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]nosana.Deployment(nil), g.listed...), nil
}

func (g *fakeGateway) ListDeploymentJobs(_ context.Context, id string, _ nosana.JobState) ([]nosana.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]nosana.Job(nil), g.jobs[id]...), nil
}

func (g *fakeGateway) FirstRunningJob(_ context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if jobs := g.jobs[id]; len(jobs) > 0 {
		return jobs[0].Address, nil
	}
	return "", nil
}

func (g *fakeGateway) GetJob(_ context.Context, address string) (*nosana.JobDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobDetails[address]
	if !ok {
		return nil, &nosana.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	cp := *job
	return &cp, nil
}

func (g *fakeGateway) StopJob(_ context.Context, address string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopJobCalls = append(g.stopJobCalls, address)
	return nil
}

func (g *fakeGateway) ExtendJob(_ context.Context, address string, _ int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.extendErr != nil {
		return g.extendErr
	}
	g.extendCalls = append(g.extendCalls, address)
	return nil
}

func (g *fakeGateway) GetCreditsBalance(context.Context) (*nosana.CreditsBalance, error) {
	return g.credits, nil
}

func (g *fakeGateway) WalletBalance(context.Context, string) (*nosana.WalletBalance, error) {
	return g.wallet, nil
}

func (g *fakeGateway) ResolveMarket(_ context.Context, slugOrAddress string) string {
	if strings.HasPrefix(slugOrAddress, "slug-") {
		return "resolved-" + slugOrAddress
	}
	return slugOrAddress
}

func (g *fakeGateway) PinArtifact(_ context.Context, def any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pinErr != nil {
		return "", g.pinErr
	}
	g.pinned = append(g.pinned, def)
	return "QmPinned", nil
}

func (g *fakeGateway) FetchResult(_ context.Context, hash string) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.results[hash], nil
}

func (g *fakeGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.createReqs)
}

type fakeEmitter struct {
	mu         sync.Mutex
	heartbeats []orchestrator.Heartbeat
	audits     []orchestrator.AuditEntry
	hbErr      error
}

func (e *fakeEmitter) SendHeartbeat(_ context.Context, hb orchestrator.Heartbeat) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hbErr != nil {
		return e.hbErr
	}
	e.heartbeats = append(e.heartbeats, hb)
	return nil
}

func (e *fakeEmitter) Audit(_ context.Context, action, resourceID string, details map[string]any, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audits = append(e.audits, orchestrator.AuditEntry{
		Action:     action,
		ResourceID: resourceID,
		Details:    details,
		Status:     status,
	})
}

func (e *fakeEmitter) heartbeatStates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.heartbeats))
	for _, hb := range e.heartbeats {
		out = append(out, hb.State)
	}
	return out
}

func (e *fakeEmitter) auditActions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.audits))
	for _, a := range e.audits {
		out = append(out, a.Action)
	}
	return out
}

type fakeSigner struct {
	mu          sync.Mutex
	tokens      int
	invalidated []string
	err         error
}

func (s *fakeSigner) Token(_ context.Context, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.tokens++
	return message + ":SIG", nil
}

func (s *fakeSigner) Address() string { return "FakeWallet1111111111111111111111111" }

func (s *fakeSigner) Invalidate(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, message)
}

func testTiming() Timing {
	t := DefaultTiming()
	t.PollInterval = time.Hour // keep spawned watchdogs dormant
	t.StartPollInterval = time.Millisecond
	t.StartTimeout = 100 * time.Millisecond
	t.HandoffPollInterval = time.Millisecond
	t.HandoffTimeout = time.Second
	t.HandoffRetryDelay = time.Millisecond
	return t
}

func newTestClient(cred Credential, gw *fakeGateway, em *fakeEmitter, sg *fakeSigner) *Client {
	return New(cred, Deps{
		Gateway:       gw,
		Signer:        sg,
		Emitter:       em,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		IngressDomain: "node.k8s.example",
		Timing:        testTiming(),
	})
}

func delegatedCred() Credential {
	return Credential{Name: "default", APIKey: "nos_test_key"}
}

func TestLaunchSuccess(t *testing.T) {
	gw := newFakeGateway()
	em := &fakeEmitter{}
	c := newTestClient(delegatedCred(), gw, em, &fakeSigner{})

	res, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{"ops": []any{}},
		MarketAddress: "MarketAddr11111111111111111111111111",
		Resources:     Resources{GPU: 1, VCPU: 8, RAMGB: 32},
	})
	require.NoError(t, err)

	assert.Equal(t, "dep-1", res.DeploymentID)
	assert.Equal(t, "job-dep-1", res.JobAddress)
	assert.Equal(t, "https://dep-1.svc.example", res.ServiceURL)

	require.Len(t, gw.createReqs, 1)
	req := gw.createReqs[0]
	assert.Equal(t, nosana.StrategySimpleExtend, req.Strategy)
	assert.Equal(t, 60, req.Timeout)
	assert.Equal(t, 1, req.Replicas)
	assert.Equal(t, []string{"dep-1"}, gw.startCalls)

	assert.Contains(t, em.auditActions(), "DEPLOYMENT_LAUNCHED")
	snap := c.WatchedSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "dep-1", snap[0].DeploymentID)
	assert.NotNil(t, snap[0].JobDefinition)
}

func TestLaunchResolvesMarketSlug(t *testing.T) {
	gw := newFakeGateway()
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "slug-nvidia-4090",
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved-slug-nvidia-4090", gw.createReqs[0].Market)
}

func TestLaunchLocalModePinsDefinition(t *testing.T) {
	gw := newFakeGateway()
	c := newTestClient(Credential{Name: "wallet", PrivateKey: "key"}, gw, &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{"version": "0.1"},
		MarketAddress: "MarketAddr11111111111111111111111111",
	})
	require.NoError(t, err)
	assert.Len(t, gw.pinned, 1)
}

func TestLaunchValidation(t *testing.T) {
	c := newTestClient(delegatedCred(), newFakeGateway(), &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{MarketAddress: "m"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierrors.AsAPIError(err).StatusCode)

	_, err = c.Launch(context.Background(), LaunchInput{JobDefinition: map[string]any{}})
	require.Error(t, err)
}

func TestLaunchFailsOnTerminalStatus(t *testing.T) {
	gw := newFakeGateway()
	gw.statusOnCreate = nosana.DeploymentInsufficientFunds
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "m",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
	assert.Empty(t, c.WatchedSnapshot())
}

func TestLaunchStartHorizonIsBestEffort(t *testing.T) {
	gw := newFakeGateway()
	gw.statusOnCreate = nosana.DeploymentStarting
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	res, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "m",
	})
	require.NoError(t, err)
	assert.Empty(t, res.JobAddress)
	assert.Len(t, c.WatchedSnapshot(), 1)
}

func TestStopMarksBeforeRemoteCall(t *testing.T) {
	gw := newFakeGateway()
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "m",
	})
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "dep-1"))
	assert.Equal(t, []string{"dep-1"}, gw.stopCalls)

	snap := c.WatchedSnapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].UserStopped)
}

func TestStopByJobAddressResolvesDeployment(t *testing.T) {
	gw := newFakeGateway()
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "m",
	})
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "job-dep-1"))
	assert.Equal(t, []string{"dep-1"}, gw.stopCalls)
	assert.True(t, c.WatchedSnapshot()[0].UserStopped)
}

func TestStopFallsBackToJobOn404(t *testing.T) {
	gw := newFakeGateway()
	gw.stopErr = &nosana.Error{StatusCode: http.StatusNotFound, Message: "no deployment"}
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	require.NoError(t, c.Stop(context.Background(), "JobAddrOnly111111111111111111111111"))
	assert.Equal(t, []string{"JobAddrOnly111111111111111111111111"}, gw.stopJobCalls)
}

func TestMarkUserStoppedIsIdempotent(t *testing.T) {
	c := newTestClient(delegatedCred(), newFakeGateway(), &fakeEmitter{}, &fakeSigner{})
	c.mu.Lock()
	c.watched = map[string]*WatchedDeployment{
		"dep-x": {DeploymentID: "dep-x", JobAddresses: []string{"job-x"}},
	}
	c.mu.Unlock()

	assert.True(t, c.MarkUserStopped("job-x"))
	assert.True(t, c.MarkUserStopped("dep-x"))
	assert.False(t, c.MarkUserStopped("unknown"))
	assert.True(t, c.WatchedSnapshot()[0].UserStopped)
}

func TestLogsPendingForRunningJob(t *testing.T) {
	gw := newFakeGateway()
	gw.jobDetails["job-1"] = &nosana.JobDetail{State: nosana.JobRunning}
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	res, err := c.Logs(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Status)
	assert.Nil(t, res.Result)
}

func TestLogsFetchesResultForTerminatedJob(t *testing.T) {
	gw := newFakeGateway()
	gw.jobDetails["job-1"] = &nosana.JobDetail{State: nosana.JobCompleted, IPFSResult: "QmResult"}
	gw.results["QmResult"] = map[string]any{"opStates": []any{}}
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	res, err := c.Logs(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.NotNil(t, res.Result)
}

func TestBalanceByMode(t *testing.T) {
	gw := newFakeGateway()
	gw.credits = &nosana.CreditsBalance{AssignedCredits: 42}
	gw.wallet = &nosana.WalletBalance{Sol: 1.5, Nos: 100}

	delegated := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})
	got, err := delegated.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gw.credits, got)

	local := newTestClient(Credential{Name: "w", PrivateKey: "k"}, gw, &fakeEmitter{}, &fakeSigner{})
	got, err = local.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gw.wallet, got)
}

func TestRecoverWatchesWithoutDefinition(t *testing.T) {
	gw := newFakeGateway()
	gw.listed = []nosana.Deployment{
		{ID: "dep-a", Status: nosana.DeploymentRunning, Market: "m1"},
		{ID: "dep-b", Status: nosana.DeploymentStarting, Market: "m2"},
	}
	gw.deployments["dep-a"] = &gw.listed[0]
	gw.deployments["dep-b"] = &gw.listed[1]
	c := newTestClient(delegatedCred(), gw, &fakeEmitter{}, &fakeSigner{})

	require.NoError(t, c.Recover(context.Background()))
	snap := c.WatchedSnapshot()
	require.Len(t, snap, 2)
	for _, d := range snap {
		assert.Nil(t, d.JobDefinition, "recovered deployments must not re-launch")
	}

	// A second pass must not double-watch.
	require.NoError(t, c.Recover(context.Background()))
	assert.Len(t, c.WatchedSnapshot(), 2)
}

func TestConfidentialHandoff(t *testing.T) {
	gw := newFakeGateway()
	sg := &fakeSigner{}
	em := &fakeEmitter{}

	rt := &recordingRoundTripper{status: http.StatusOK}
	c := New(Credential{Name: "default", APIKey: "k"}, Deps{
		Gateway:        gw,
		Signer:         sg,
		Emitter:        em,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		IngressDomain:  "node.k8s.example",
		Timing:         testTiming(),
		NodeHTTPClient: &http.Client{Transport: rt},
	})

	// The job must be RUNNING on a named node before handoff fires.
	gw.mu.Lock()
	gw.jobDetails["job-dep-1"] = &nosana.JobDetail{State: nosana.JobRunning, Node: "NodeAddr111"}
	gw.mu.Unlock()

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{"secret": true},
		MarketAddress: "m",
		Confidential:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rt.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	req := rt.last()
	assert.Equal(t, "https://NodeAddr111.node.k8s.example/job/job-dep-1/job-definition", req.URL.String())
	assert.Equal(t, "Hello Nosana Node!:SIG", req.Header.Get("Authorization"))
}

func TestConfidentialHandoffRetriesOn4xx(t *testing.T) {
	gw := newFakeGateway()
	sg := &fakeSigner{}

	rt := &recordingRoundTripper{status: http.StatusUnauthorized, statusAfterFirst: http.StatusOK}
	c := New(Credential{Name: "default", APIKey: "k"}, Deps{
		Gateway:        gw,
		Signer:         sg,
		Emitter:        &fakeEmitter{},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		IngressDomain:  "node.k8s.example",
		Timing:         testTiming(),
		NodeHTTPClient: &http.Client{Transport: rt},
	})
	gw.mu.Lock()
	gw.jobDetails["job-dep-1"] = &nosana.JobDetail{State: nosana.JobRunning, Node: "NodeAddr111"}
	gw.mu.Unlock()

	_, err := c.Launch(context.Background(), LaunchInput{
		JobDefinition: map[string]any{},
		MarketAddress: "m",
		Confidential:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rt.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	sg.mu.Lock()
	defer sg.mu.Unlock()
	assert.Contains(t, sg.invalidated, nodeAuthMessage)
}

type recordingRoundTripper struct {
	mu               sync.Mutex
	reqs             []*http.Request
	status           int
	statusAfterFirst int
}

func (rt *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.reqs = append(rt.reqs, req)
	status := rt.status
	if len(rt.reqs) > 1 && rt.statusAfterFirst != 0 {
		status = rt.statusAfterFirst
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (rt *recordingRoundTripper) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.reqs)
}

func (rt *recordingRoundTripper) last() *http.Request {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.reqs[len(rt.reqs)-1]
}
