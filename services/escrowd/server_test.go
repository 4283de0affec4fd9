package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grantvault/gateway/auth"
	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
	"grantvault/storage/escrowdb"
)

const testContract = "addr_test1contract"

// fakeChain is an in-memory ledger: submitted transactions are applied to the
// unspent set, so continuations built from chain state actually continue.
type fakeChain struct {
	mu        sync.Mutex
	payer     string
	utxos     map[ledger.OutputRef]ledger.UTXO
	counter   int
	submitErr error
	submits   int
}

func newFakeChain(payer string, seed ...ledger.UTXO) *fakeChain {
	chain := &fakeChain{payer: payer, utxos: make(map[ledger.OutputRef]ledger.UTXO)}
	for _, utxo := range seed {
		chain.utxos[utxo.Ref] = utxo
	}
	return chain
}

func (c *fakeChain) UnspentOutputs(_ context.Context, address string) ([]ledger.UTXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ledger.UTXO
	for _, utxo := range c.utxos {
		if utxo.Address == address {
			out = append(out, utxo)
		}
	}
	return out, nil
}

func (c *fakeChain) SigningAddress(context.Context) (string, error) {
	return c.payer, nil
}

func (c *fakeChain) Sign(_ context.Context, tx *ledger.UnsignedTx) (*ledger.SignedTx, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &ledger.SignedTx{Payload: payload}, nil
}

func (c *fakeChain) Submit(_ context.Context, signed *ledger.SignedTx) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return "", c.submitErr
	}
	var tx ledger.UnsignedTx
	if err := json.Unmarshal(signed.Payload, &tx); err != nil {
		return "", err
	}
	c.counter++
	txID := fmt.Sprintf("tx-%d", c.counter)
	for _, in := range tx.Inputs {
		delete(c.utxos, in)
	}
	for i, out := range tx.Outputs {
		ref := ledger.OutputRef{TxID: txID, Index: uint32(i)}
		c.utxos[ref] = ledger.UTXO{Ref: ref, Address: out.Address, Value: out.Value, Datum: out.Datum}
	}
	return txID, nil
}

func testConfig() Config {
	return Config{
		ListenAddress:   ":0",
		NodeURL:         "http://unused.invalid",
		DatabasePath:    ":memory:",
		ContractAddress: testContract,
		Network:         "testnet",
		TimestampSkew:   2 * time.Minute,
		NonceCapacity:   64,
		Policy:          DefaultPolicy(),
	}
}

func newTestServer(t *testing.T, cfg Config, chain *fakeChain) (*Server, *escrowdb.Store) {
	t.Helper()
	store, err := escrowdb.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(cfg, store, chain, logger)
	require.NoError(t, err)
	return server, store
}

func hexHash(b byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, 28))
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func seedParticipants(t *testing.T, ts *httptest.Server) {
	t.Helper()
	payout, err := datum.EnterpriseAddress(bytes.Repeat([]byte{0x02}, 28), datum.Testnet)
	require.NoError(t, err)
	resp, _ := doJSON(t, ts, http.MethodPut, "/v1/researchers/res-1", putResearcherRequest{
		Name: "Dr. Osei", PayoutAddress: payout, KeyHash: hexHash(0x02),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for i, id := range []string{"mem-a", "mem-b", "mem-c", "mem-d"} {
		resp, _ := doJSON(t, ts, http.MethodPut, "/v1/orgs/org-1/members/"+id, putMemberRequest{
			Name: id, VotingPower: 10, KeyHash: hexHash(byte(0x10 + i)),
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func createProject(t *testing.T, ts *httptest.Server) projectResponse {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/projects", createProjectRequest{
		OrgID:        "org-1",
		ResearcherID: "res-1",
		Title:        "Deep-sea microbiome survey",
		TotalFunding: 100_000_000,
		OrgKeyHash:   hexHash(0x01),
		Milestones: []milestoneRequest{
			{Title: "Expedition", Percent: 40},
			{Title: "Sequencing", Percent: 30},
			{Title: "Publication", Percent: 30},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var project projectResponse
	require.NoError(t, json.Unmarshal(body, &project))
	return project
}

func walletSeed() []ledger.UTXO {
	return []ledger.UTXO{
		{Ref: ledger.OutputRef{TxID: "genesis", Index: 0}, Address: "addr_test1orgwallet", Value: 300_000_000},
		{Ref: ledger.OutputRef{TxID: "genesis", Index: 1}, Address: "addr_test1orgwallet", Value: 6_000_000},
		{Ref: ledger.OutputRef{TxID: "genesis", Index: 2}, Address: "addr_test1orgwallet", Value: 6_000_000},
	}
}

func TestCreateProjectLocksFunding(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, store := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)

	require.Equal(t, "active", project.Status)
	require.Equal(t, "tx-1", project.EscrowTxID)
	require.Len(t, project.Milestones, 3)
	require.Equal(t, "in_progress", project.Milestones[0].Status)
	require.EqualValues(t, 40_000_000, project.Milestones[0].Tranche)

	// The contract now holds the full funding with the datum attached.
	utxos, err := chain.UnspentOutputs(context.Background(), testContract)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.EqualValues(t, 100_000_000, utxos[0].Value)
	state, err := datum.Decode(utxos[0].Datum)
	require.NoError(t, err)
	require.EqualValues(t, 0, state.CurrentMilestone)

	stored, err := store.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Equal(t, project.EscrowTxID, stored.EscrowTxID)
}

func TestCreateProjectCompensatesOnSubmitFailure(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	chain.submitErr = fmt.Errorf("node rejected transaction")
	server, store := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/projects", createProjectRequest{
		OrgID: "org-1", ResearcherID: "res-1", Title: "Doomed", TotalFunding: 100_000_000,
		OrgKeyHash: hexHash(0x01),
		Milestones: []milestoneRequest{{Title: "Only stage", Percent: 100}},
	}, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, string(body))

	projects, err := store.ListProjects(context.Background(), "org-1")
	require.NoError(t, err)
	require.Empty(t, projects, "failed lock must not leave a project behind")
}

func TestMilestoneFlowThroughRelease(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, _ := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)
	m0 := project.Milestones[0].ID

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/evidence", evidenceRequest{
		Kind: "report", Title: "Expedition logbook", URI: "ipfs://Qm123",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Voting before the round opens again is rejected.
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	for i, voter := range []string{"mem-a", "mem-b"} {
		resp, body := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: voter, Approve: true}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result map[string]any
		require.NoError(t, json.Unmarshal(body, &result))
		require.False(t, result["approved"].(bool), "vote %d must not cross 75%%", i)
	}
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: "mem-c", Approve: true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decisive map[string]any
	require.NoError(t, json.Unmarshal(body, &decisive))
	require.True(t, decisive["approved"].(bool), "30 of 40 power is exactly the threshold")

	// Duplicate ballots conflict.
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: "mem-c", Approve: true}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, ts, http.MethodGet, "/v1/milestones/"+m0+"/voting-summary", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(body, &summary))
	require.True(t, summary["thresholdReached"].(bool))

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var released map[string]any
	require.NoError(t, json.Unmarshal(body, &released))
	require.Equal(t, "tx-2", released["settlementTxId"])
	require.EqualValues(t, 40_000_000, released["tranche"])

	// Releasing again replays the recorded settlement.
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay map[string]any
	require.NoError(t, json.Unmarshal(body, &replay))
	require.True(t, replay["alreadySettled"].(bool))

	// The continuation output carries the advanced datum and the remainder.
	utxos, err := chain.UnspentOutputs(context.Background(), testContract)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.EqualValues(t, 60_000_000, utxos[0].Value)
	state, err := datum.Decode(utxos[0].Datum)
	require.NoError(t, err)
	require.EqualValues(t, 1, state.CurrentMilestone)

	// And the project view reflects the settlement.
	resp, body = doJSON(t, ts, http.MethodGet, "/v1/projects/"+project.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view projectResponse
	require.NoError(t, json.Unmarshal(body, &view))
	require.EqualValues(t, 40_000_000, view.FundingReleased)
	require.Equal(t, "released", view.Milestones[0].Status)
	require.Equal(t, "in_progress", view.Milestones[1].Status)
}

func TestReleaseDefaultsToQueuedSettlement(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, store := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)
	m0 := project.Milestones[0].ID
	doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	for _, voter := range []string{"mem-a", "mem-b", "mem-c"} {
		doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: voter, Approve: true}, nil)
	}

	// Without the sync flag the call only queues the work: the connection is
	// released immediately and the worker drives the saga.
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var queued map[string]string
	require.NoError(t, json.Unmarshal(body, &queued))
	require.Equal(t, "queued", queued["status"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Orchestrator().Run(ctx, 0) }()

	require.Eventually(t, func() bool {
		milestone, err := store.GetMilestone(context.Background(), m0)
		return err == nil && milestone.Status == escrow.MilestoneStatusReleased
	}, 5*time.Second, 10*time.Millisecond, "queued release must settle")

	milestone, err := store.GetMilestone(context.Background(), m0)
	require.NoError(t, err)
	require.Equal(t, "tx-2", milestone.SettlementTxID)

	// Worker settlements still reach the webhook outbox.
	require.Eventually(t, func() bool {
		pending, err := store.ListPendingNotifications(context.Background(), 50)
		if err != nil {
			return false
		}
		for _, n := range pending {
			if n.Kind == "milestone.released" && n.SubjectID == m0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "release notification must be queued")
}

func TestReleaseRequiresApprovedMilestone(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, _ := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)
	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+project.Milestones[0].ID+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectIsManualAndTerminal(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, _ := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)
	m0 := project.Milestones[0].ID

	doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	// Heavy reject votes never flip the status by themselves.
	for _, voter := range []string{"mem-a", "mem-b", "mem-c", "mem-d"} {
		resp, _ := doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: voter, Approve: false}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/milestones/"+m0+"/voting-summary", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(body, &summary))
	require.False(t, summary["thresholdReached"].(bool))

	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/reject", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No path out of rejected.
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, store := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	payload := createProjectRequest{
		OrgID: "org-1", ResearcherID: "res-1", Title: "Once only", TotalFunding: 100_000_000,
		OrgKeyHash: hexHash(0x01),
		Milestones: []milestoneRequest{{Title: "Only stage", Percent: 100}},
	}
	headers := map[string]string{"Idempotency-Key": "create-once"}

	resp1, body1 := doJSON(t, ts, http.MethodPost, "/v1/projects", payload, headers)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)
	resp2, body2 := doJSON(t, ts, http.MethodPost, "/v1/projects", payload, headers)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	require.JSONEq(t, string(body1), string(body2))

	projects, err := store.ListProjects(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, projects, 1, "replay must not create a second project")

	// Same key with a different body is a conflict.
	payload.Title = "Changed"
	resp3, _ := doJSON(t, ts, http.MethodPost, "/v1/projects", payload, headers)
	require.Equal(t, http.StatusConflict, resp3.StatusCode)
}

func TestAuthenticationGuardsAPI(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeys = []APIKeyConfig{{Key: "ops", Secret: "s3cret"}}
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, _ := newTestServer(t, cfg, chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	resp, _ := doJSON(t, ts, http.MethodGet, "/v1/admin/status", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health and metrics stay open.
	resp, _ = doJSON(t, ts, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := auth.SignatureHex("s3cret", timestamp, "nonce-1", "GET", "/v1/admin/status", nil)
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/admin/status", nil, map[string]string{
		auth.HeaderAPIKey:    "ops",
		auth.HeaderTimestamp: timestamp,
		auth.HeaderNonce:     "nonce-1",
		auth.HeaderSignature: signature,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The rejected request is counted exactly once, under the route label.
	resp, metricsBody := doJSON(t, ts, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unauthorized []string
	for _, line := range strings.Split(string(metricsBody), "\n") {
		if strings.HasPrefix(line, "escrowd_http_requests_total") && strings.Contains(line, `status="401"`) {
			unauthorized = append(unauthorized, line)
		}
	}
	require.Len(t, unauthorized, 1)
	require.True(t, strings.HasSuffix(unauthorized[0], " 1"), unauthorized[0])
}

func TestAdminPauseBlocksReleases(t *testing.T) {
	chain := newFakeChain("addr_test1orgwallet", walletSeed()...)
	server, _ := newTestServer(t, testConfig(), chain)
	ts := httptest.NewServer(server)
	defer ts.Close()

	seedParticipants(t, ts)
	project := createProject(t, ts)
	m0 := project.Milestones[0].ID
	doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/submit", nil, nil)
	for _, voter := range []string{"mem-a", "mem-b", "mem-c"} {
		doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/votes", voteRequest{VoterID: voter, Approve: true}, nil)
	}

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/admin/pause", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/admin/resume", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/milestones/"+m0+"/release", releaseRequest{Sync: true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
