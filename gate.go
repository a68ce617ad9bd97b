package atelier

// voteOf is one participant's effective vote after last-vote-wins folding.
type voteOf struct {
	kind     MessageKind // approve or veto
	class    VetoClass
	absolute bool // an absolute veto was seen; immutable thereafter
}

// tallyVotes folds a phase transcript into one effective vote per
// participant. Only the last vote from each agent counts, except that an
// absolute-class veto is immutable: a later approval from the same agent
// never overrides it.
func tallyVotes(msgs []Message, defs map[string]AgentDef) map[string]voteOf {
	votes := make(map[string]voteOf)
	for _, m := range msgs {
		if m.Kind != KindApprove && m.Kind != KindVeto {
			continue
		}
		def, ok := defs[m.From]
		if !ok {
			continue
		}
		v := votes[m.From]
		v.class = def.VetoClass
		if v.absolute {
			continue
		}
		v.kind = m.Kind
		if m.Kind == KindVeto && def.VetoClass == VetoAbsolute {
			v.absolute = true
		}
		votes[m.From] = v
	}
	return votes
}

// gateOutcome is the result of evaluating a gate at a phase's terminal
// transition.
type gateOutcome struct {
	passed bool
	// vetoed is set when the gate failed because of a blocking veto, as
	// opposed to missing approvals.
	vetoed bool
	// violations lists the blocking votes for the compliance verdict.
	violations []string
}

// evaluateGate applies the phase's gate rule to the folded votes. It is
// called only at terminal transitions, never mid-phase.
func evaluateGate(phase PhaseDef, msgs []Message, defs map[string]AgentDef) gateOutcome {
	votes := tallyVotes(msgs, defs)

	switch phase.Gate {
	case GateAlways, "":
		return gateOutcome{passed: true}

	case GateAllApproved:
		out := gateOutcome{passed: true}
		for _, id := range phase.Participants {
			def, ok := defs[id]
			if !ok || def.VetoClass == VetoAdvisory {
				continue
			}
			v, voted := votes[id]
			switch {
			case voted && v.kind == KindVeto:
				out.passed = false
				out.vetoed = true
				out.violations = append(out.violations, "veto by "+id)
			case !voted || v.kind != KindApprove:
				out.passed = false
				out.violations = append(out.violations, "no approval from "+id)
			}
		}
		return out

	case GateNoVeto:
		out := gateOutcome{passed: true}
		for id, v := range votes {
			if v.kind != KindVeto {
				continue
			}
			if v.class == VetoAbsolute || v.class == VetoStrong {
				out.passed = false
				out.vetoed = true
				out.violations = append(out.violations, "veto by "+id)
			}
		}
		return out

	case GateCheckpoint:
		orch := phase.Orchestrator
		if orch == "" && len(phase.Participants) > 0 {
			orch = phase.Participants[0]
		}
		v, voted := votes[orch]
		if voted && v.kind == KindApprove {
			return gateOutcome{passed: true}
		}
		out := gateOutcome{passed: false, violations: []string{"no checkpoint approval from " + orch}}
		if voted && v.kind == KindVeto {
			out.vetoed = true
		}
		return out
	}

	return gateOutcome{passed: false, violations: []string{"unknown gate"}}
}

// hasAbsoluteVeto reports whether any message so far is a veto from an
// absolute-class agent. Used to short-circuit a phase the moment such a
// veto lands.
func hasAbsoluteVeto(msgs []Message, defs map[string]AgentDef) bool {
	for _, m := range msgs {
		if m.Kind != KindVeto {
			continue
		}
		if def, ok := defs[m.From]; ok && def.VetoClass == VetoAbsolute {
			return true
		}
	}
	return false
}
