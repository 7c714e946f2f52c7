package secrules

import (
	"testing"
	"time"

	"edgewaf/testutils"
	"edgewaf/waf"
)

type fakeState struct {
	rules     []waf.ResolvedRule
	ruleCalls int
}

func (f *fakeState) TenantByHost(host string) *waf.Tenant { return nil }

func (f *fakeState) Rules(tenantID string) []waf.ResolvedRule {
	f.ruleCalls++
	return f.rules
}

func (f *fakeState) GeoRules(tenantID string) []waf.GeoRule { return nil }

func (f *fakeState) RateLimits(tenantID string) waf.RateLimitConfig {
	return waf.DefaultRateLimitConfig()
}

func (f *fakeState) MatchIPLists(tenantID string, ip string) waf.IPListMatch {
	return waf.IPListMatch{}
}

func (f *fakeState) Invalidate(tenantID string) {}
func (f *fakeState) InvalidateAll()             {}

func blockRule(id, pattern string) waf.ResolvedRule {
	return waf.ResolvedRule{
		Rule: waf.FirewallRule{
			ID: id, Name: id, Type: waf.RuleTypeSQLInjection,
			Pattern: pattern, Action: waf.ActionBlock,
			Severity: waf.SeverityCritical, Active: true,
		},
		EffectiveAction: waf.ActionBlock,
	}
}

func logRule(id, pattern string) waf.ResolvedRule {
	r := blockRule(id, pattern)
	r.EffectiveAction = waf.ActionLog
	return r
}

func newTestEngine(t *testing.T, state *fakeState) Engine {
	return NewEngine(testutils.NewTestLogger(t), state, time.Minute)
}

func TestEvalRequestMatchesDoubleEncodedQuery(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{blockRule("sqli", `union\s+select`)}}
	e := newTestEngine(t, state)
	tenant := &waf.Tenant{ID: "tenant1"}

	req := &testutils.MockHTTPRequest{QueryVal: "q=union%2520select%25201"}
	verdict := e.EvalRequest(testutils.NewTestLogger(t), tenant, req)
	if !verdict.Matched {
		t.Fatalf("double-encoded payload not matched")
	}
	if verdict.Rule == nil || verdict.Rule.ID != "sqli" {
		t.Fatalf("wrong rule reported: %+v", verdict.Rule)
	}
	if verdict.MatchedData == "" {
		t.Fatalf("matched span missing")
	}
}

func TestEvalRequestScansPathHeadersAndBody(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{blockRule("xss", `<script`)}}
	e := newTestEngine(t, state)
	tenant := &waf.Tenant{ID: "tenant1"}

	byPath := &testutils.MockHTTPRequest{PathVal: "/search/<script>alert(1)</script>"}
	if !e.EvalRequest(testutils.NewTestLogger(t), tenant, byPath).Matched {
		t.Fatalf("path surface not scanned")
	}

	byHeader := &testutils.MockHTTPRequest{}
	byHeader.SetHeader("User-Agent", "Mozilla <script>bad()</script>")
	if !e.EvalRequest(testutils.NewTestLogger(t), tenant, byHeader).Matched {
		t.Fatalf("user-agent surface not scanned")
	}

	byBody := &testutils.MockHTTPRequest{MethodVal: "POST", Body: `{"comment":{"text":"&lt;script&gt;alert(1)"}}`}
	byBody.SetHeader("Content-Type", "application/json")
	if !e.EvalRequest(testutils.NewTestLogger(t), tenant, byBody).Matched {
		t.Fatalf("JSON body surface not scanned")
	}

	byForm := &testutils.MockHTTPRequest{MethodVal: "POST", Body: "comment=%3Cscript%3Ealert(1)"}
	byForm.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	if !e.EvalRequest(testutils.NewTestLogger(t), tenant, byForm).Matched {
		t.Fatalf("form body surface not scanned")
	}
}

func TestEvalRequestFirstBlockingMatchWins(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{
		blockRule("first", `select`),
		blockRule("second", `union`),
	}}
	e := newTestEngine(t, state)

	req := &testutils.MockHTTPRequest{QueryVal: "q=union select"}
	verdict := e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"}, req)
	if !verdict.Matched || verdict.Rule.ID != "first" {
		t.Fatalf("expected first rule to decide, got %+v", verdict.Rule)
	}
}

func TestEvalRequestLogOnlyMatchesContinue(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{
		logRule("audit", `select`),
		blockRule("sqli", `union\s+select`),
	}}
	e := newTestEngine(t, state)

	req := &testutils.MockHTTPRequest{QueryVal: "q=union+select"}
	verdict := e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"}, req)
	if !verdict.Matched || verdict.Rule.ID != "sqli" {
		t.Fatalf("log-only rule must not stop evaluation: %+v", verdict.Rule)
	}
	if len(verdict.LogMatches) != 1 || verdict.LogMatches[0].Rule.ID != "audit" {
		t.Fatalf("log-only match not recorded: %+v", verdict.LogMatches)
	}
}

func TestEvalRequestLogOnlyVerdictWithoutBlock(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{logRule("audit", `select`)}}
	e := newTestEngine(t, state)

	verdict := e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"},
		&testutils.MockHTTPRequest{QueryVal: "q=select+1"})
	if verdict.Matched {
		t.Fatalf("log-only match must not block")
	}
	if len(verdict.LogMatches) != 1 {
		t.Fatalf("expected 1 log match, got %v", len(verdict.LogMatches))
	}
}

func TestEvalRequestSkipsMalformedPatterns(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{
		blockRule("broken", `unclosed(`),
		blockRule("works", `union`),
	}}
	e := newTestEngine(t, state)

	verdict := e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"},
		&testutils.MockHTTPRequest{QueryVal: "q=union"})
	if !verdict.Matched || verdict.Rule.ID != "works" {
		t.Fatalf("malformed pattern must not abort evaluation: %+v", verdict.Rule)
	}
}

func TestEvalRequestUndecodableBodySkipsBodySurfaces(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{blockRule("xss", `<script`)}}
	e := newTestEngine(t, state)

	req := &testutils.MockHTTPRequest{MethodVal: "POST", Body: `{"broken json`}
	req.SetHeader("Content-Type", "application/json")
	if e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"}, req).Matched {
		t.Fatalf("undecodable body must not match")
	}
}

func TestEvalRequestNoRules(t *testing.T) {
	e := newTestEngine(t, &fakeState{})
	verdict := e.EvalRequest(testutils.NewTestLogger(t), &waf.Tenant{ID: "tenant1"},
		&testutils.MockHTTPRequest{QueryVal: "q=union+select"})
	if verdict.Matched {
		t.Fatalf("no rules must mean no match")
	}
}

func TestCompiledRulesCachedUntilInvalidated(t *testing.T) {
	state := &fakeState{rules: []waf.ResolvedRule{blockRule("sqli", `union`)}}
	e := newTestEngine(t, state)
	tenant := &waf.Tenant{ID: "tenant1"}
	logger := testutils.NewTestLogger(t)
	req := &testutils.MockHTTPRequest{QueryVal: "q=1"}

	e.EvalRequest(logger, tenant, req)
	e.EvalRequest(logger, tenant, req)
	if state.ruleCalls != 1 {
		t.Fatalf("expected 1 state read within TTL, got %v", state.ruleCalls)
	}

	e.Invalidate(tenant.ID)
	e.EvalRequest(logger, tenant, req)
	if state.ruleCalls != 2 {
		t.Fatalf("expected recompile after invalidation, got %v reads", state.ruleCalls)
	}
}
