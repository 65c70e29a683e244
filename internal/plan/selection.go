package plan

import "strings"

// CurrentStep returns the leftmost leaf step that is not terminal and whose
// parent (if any) is not terminal. A decomposed parent is never returned;
// spec.md §4.1 "Work selection (hierarchy-aware)".
func (p *Plan) CurrentStep() *Step {
	for _, s := range p.Steps {
		if s.ParentNumber != "" {
			continue // only top-level entries start the scan; recursion below
		}
		if leaf := p.currentLeaf(s); leaf != nil {
			return leaf
		}
	}
	return nil
}

// currentLeaf recurses into a (possibly decomposed) step to find the
// leftmost non-terminal leaf, or nil if the whole subtree is terminal.
func (p *Plan) currentLeaf(s *Step) *Step {
	if s.IsLeaf() {
		if s.Status.Terminal() || s.Status == StatusDecomposed {
			return nil
		}
		return s
	}
	for _, childNum := range s.DecomposedInto {
		child := p.ByNumber(childNum)
		if child == nil {
			continue
		}
		if leaf := p.currentLeaf(child); leaf != nil {
			return leaf
		}
	}
	return nil
}

// ReconcileDecomposed walks every decomposed step and auto-completes or
// auto-fails it once all children are terminal, per spec.md testable
// property 3. Returns the set of step numbers whose status changed.
func (p *Plan) ReconcileDecomposed() []string {
	var changed []string
	for _, s := range p.Steps {
		if s.Status != StatusDecomposed && len(s.DecomposedInto) == 0 {
			continue
		}
		if s.Status == StatusDecomposed || (len(s.DecomposedInto) > 0 && s.Status != StatusDecomposed) {
			if newStatus, ok := p.derivedParentStatus(s); ok && newStatus != s.Status {
				s.Status = newStatus
				changed = append(changed, s.Number)
			}
		}
	}
	return changed
}

func (p *Plan) derivedParentStatus(parent *Step) (Status, bool) {
	if len(parent.DecomposedInto) == 0 {
		return parent.Status, false
	}
	allTerminal := true
	anyFailed := false
	anyPending := false
	allCompleted := true
	for _, childNum := range parent.DecomposedInto {
		child := p.ByNumber(childNum)
		if child == nil {
			continue
		}
		if !child.Status.Terminal() {
			allTerminal = false
			allCompleted = false
			if child.Status == StatusPending || child.Status == StatusInProgress {
				anyPending = true
			}
			continue
		}
		if child.Status == StatusFailed {
			anyFailed = true
			allCompleted = false
		}
		if child.Status != StatusCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		parent.CompletedViaSubtasks = true
		return StatusCompleted, true
	}
	if allTerminal && anyFailed {
		return StatusFailed, true
	}
	if anyFailed && !anyPending {
		return StatusFailed, true
	}
	return parent.Status, false
}

// ReadySteps returns every non-terminal leaf step whose dependencies are all
// completed and which is not currently in_progress, per spec.md testable
// property 4.
func (p *Plan) ReadySteps() []*Step {
	var ready []*Step
	for _, s := range p.Steps {
		if !s.IsLeaf() {
			continue
		}
		switch s.Status {
		case StatusInProgress, StatusDecomposed, StatusSkipped, StatusFailed, StatusCompleted:
			continue
		}
		if p.dependenciesSatisfied(s) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (p *Plan) dependenciesSatisfied(s *Step) bool {
	for _, dep := range s.Dependencies {
		d := p.ByNumber(dep)
		if d == nil {
			continue
		}
		if d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// sharesArtifact reports whether a and b claim any overlapping artifact word.
func sharesArtifact(a, b *Step) bool {
	for _, la := range a.Artifacts {
		for _, lb := range b.Artifacts {
			if strings.EqualFold(la.Word, lb.Word) {
				return true
			}
		}
	}
	return false
}

// bothExclusive reports whether a and b both touch an exclusive resource
// bucket (database, config) in either artifacts or requirements.
func bothExclusive(a, b *Step) bool {
	aEx := touchesExclusive(a)
	bEx := touchesExclusive(b)
	if aEx == "" || bEx == "" {
		return false
	}
	return aEx == bEx
}

func touchesExclusive(s *Step) ResourceBucket {
	for _, l := range append(append([]Label{}, s.Artifacts...), s.Requirements...) {
		if exclusiveBuckets[l.Bucket] {
			return l.Bucket
		}
	}
	return ""
}

// dependsOn reports whether a declares a direct dependency on b.
func dependsOn(a, b *Step) bool {
	for _, dep := range a.Dependencies {
		if dep == b.Number {
			return true
		}
	}
	return false
}

// canRunTogether reports whether two ready steps may be scheduled in the
// same parallel batch, per spec.md §4.1 point 3 and testable property 5.
func canRunTogether(a, b *Step) bool {
	if dependsOn(a, b) || dependsOn(b, a) {
		return false
	}
	if sharesArtifact(a, b) {
		return false
	}
	if bothExclusive(a, b) {
		return false
	}
	return true
}

// NextExecutableBatch returns the largest mutually parallelizable subset of
// the ready set, bounded by maxWorkers. Greedy: steps are considered in
// plan order and added to the batch if they are compatible with every
// member already in it.
func (p *Plan) NextExecutableBatch(maxWorkers int) []*Step {
	ready := p.ReadySteps()
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if len(ready) <= 1 {
		return ready
	}
	var batch []*Step
	for _, candidate := range ready {
		if !candidate.CanParallelize {
			if len(batch) == 0 {
				return []*Step{candidate}
			}
			continue
		}
		ok := true
		for _, member := range batch {
			if !canRunTogether(candidate, member) {
				ok = false
				break
			}
		}
		if ok {
			batch = append(batch, candidate)
			if len(batch) >= maxWorkers {
				break
			}
		}
	}
	if len(batch) == 0 {
		return []*Step{ready[0]}
	}
	return batch
}
