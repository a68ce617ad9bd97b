package atelier

import "testing"

func gateDefs() map[string]AgentDef {
	return map[string]AgentDef{
		"architect": {ID: "architect", VetoClass: VetoAbsolute},
		"reviewer":  {ID: "reviewer", VetoClass: VetoStrong},
		"advisor":   {ID: "advisor", VetoClass: VetoAdvisory},
		"coder":     {ID: "coder", VetoClass: VetoNone},
	}
}

func vote(from string, kind MessageKind) Message {
	return Message{From: from, Kind: kind}
}

func TestTallyVotesLastWins(t *testing.T) {
	defs := gateDefs()
	msgs := []Message{
		vote("reviewer", KindVeto),
		vote("reviewer", KindApprove),
	}
	votes := tallyVotes(msgs, defs)
	if votes["reviewer"].kind != KindApprove {
		t.Errorf("expected later approval to win, got %v", votes["reviewer"].kind)
	}
}

func TestTallyVotesAbsoluteVetoImmutable(t *testing.T) {
	defs := gateDefs()
	msgs := []Message{
		vote("architect", KindVeto),
		vote("architect", KindApprove),
	}
	votes := tallyVotes(msgs, defs)
	if votes["architect"].kind != KindVeto {
		t.Errorf("absolute veto must not be overridden, got %v", votes["architect"].kind)
	}
}

func TestTallyVotesIgnoresNonVotes(t *testing.T) {
	defs := gateDefs()
	msgs := []Message{
		vote("reviewer", KindInform),
		vote("unknown", KindApprove),
	}
	votes := tallyVotes(msgs, defs)
	if len(votes) != 0 {
		t.Errorf("expected no votes, got %v", votes)
	}
}

func TestGateAlwaysPasses(t *testing.T) {
	phase := PhaseDef{ID: "p", Gate: GateAlways, Participants: []string{"coder"}}
	out := evaluateGate(phase, nil, gateDefs())
	if !out.passed {
		t.Error("always gate should pass with no votes")
	}
}

func TestGateAllApproved(t *testing.T) {
	defs := gateDefs()
	phase := PhaseDef{ID: "p", Gate: GateAllApproved, Participants: []string{"architect", "reviewer", "advisor"}}

	// Missing an approval fails without being a veto.
	out := evaluateGate(phase, []Message{vote("architect", KindApprove)}, defs)
	if out.passed || out.vetoed {
		t.Errorf("expected unapproved non-veto failure, got %+v", out)
	}

	// Advisory participants are exempt.
	out = evaluateGate(phase, []Message{
		vote("architect", KindApprove),
		vote("reviewer", KindApprove),
	}, defs)
	if !out.passed {
		t.Errorf("expected pass without advisory vote, got %+v", out)
	}

	// Any veto blocks.
	out = evaluateGate(phase, []Message{
		vote("architect", KindApprove),
		vote("reviewer", KindVeto),
	}, defs)
	if out.passed || !out.vetoed {
		t.Errorf("expected vetoed failure, got %+v", out)
	}
	if len(out.violations) == 0 {
		t.Error("expected violations recorded")
	}
}

func TestGateNoVeto(t *testing.T) {
	defs := gateDefs()
	phase := PhaseDef{ID: "p", Gate: GateNoVeto, Participants: []string{"architect", "reviewer", "advisor"}}

	// No votes at all passes.
	if out := evaluateGate(phase, nil, defs); !out.passed {
		t.Error("no votes should pass a no_veto gate")
	}

	// Advisory veto never blocks.
	out := evaluateGate(phase, []Message{vote("advisor", KindVeto)}, defs)
	if !out.passed {
		t.Errorf("advisory veto should not block, got %+v", out)
	}

	// Strong veto blocks.
	out = evaluateGate(phase, []Message{vote("reviewer", KindVeto)}, defs)
	if out.passed || !out.vetoed {
		t.Errorf("strong veto should block, got %+v", out)
	}

	// Withdrawn strong veto passes.
	out = evaluateGate(phase, []Message{
		vote("reviewer", KindVeto),
		vote("reviewer", KindApprove),
	}, defs)
	if !out.passed {
		t.Errorf("withdrawn strong veto should pass, got %+v", out)
	}
}

func TestGateCheckpoint(t *testing.T) {
	defs := gateDefs()
	phase := PhaseDef{ID: "p", Gate: GateCheckpoint, Participants: []string{"coder", "architect"}, Orchestrator: "architect"}

	out := evaluateGate(phase, []Message{vote("coder", KindApprove)}, defs)
	if out.passed {
		t.Error("non-orchestrator approval should not pass a checkpoint")
	}

	out = evaluateGate(phase, []Message{vote("architect", KindApprove)}, defs)
	if !out.passed {
		t.Errorf("orchestrator approval should pass, got %+v", out)
	}

	out = evaluateGate(phase, []Message{vote("architect", KindVeto)}, defs)
	if out.passed || !out.vetoed {
		t.Errorf("orchestrator veto should fail as vetoed, got %+v", out)
	}
}

func TestGateCheckpointDefaultOrchestrator(t *testing.T) {
	defs := gateDefs()
	phase := PhaseDef{ID: "p", Gate: GateCheckpoint, Participants: []string{"reviewer", "coder"}}
	out := evaluateGate(phase, []Message{vote("reviewer", KindApprove)}, defs)
	if !out.passed {
		t.Errorf("first participant is the default orchestrator, got %+v", out)
	}
}

func TestHasAbsoluteVeto(t *testing.T) {
	defs := gateDefs()
	if hasAbsoluteVeto([]Message{vote("reviewer", KindVeto)}, defs) {
		t.Error("strong veto is not absolute")
	}
	if !hasAbsoluteVeto([]Message{vote("architect", KindVeto)}, defs) {
		t.Error("expected absolute veto detected")
	}
}
