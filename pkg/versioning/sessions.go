package versioning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

// ApproveResult reports the outcome of ApproveAll.
type ApproveResult struct {
	ApprovedCommit  string `json:"approved_commit"`
	NewSession      string `json:"new_session"`
	CommitsApproved int    `json:"commits_approved"`
}

// ResetResult reports the outcome of ResetToApproved.
type ResetResult struct {
	ResetTo    string `json:"reset_to"`
	NewSession string `json:"new_session"`
}

func nextSessionName(current string) string {
	num := 1
	if _, suffix, ok := strings.Cut(current, "_"); ok {
		if n, err := strconv.Atoi(suffix); err == nil {
			num = n
		}
	}
	return fmt.Sprintf("session_%d", num+1)
}

// createSession branches a new session from a commit and moves HEAD to it.
func (t *Tracker) createSession(name, fromCommit string) error {
	if err := t.WriteRef(name, fromCommit); err != nil {
		return err
	}
	return t.writeHEAD(name)
}

// ApproveAll merges the active session into main and opens the next
// session. Uncommitted workdir changes are checkpointed first. The merge
// commit carries both the main head and the session head as parents, so
// approved history keeps the session's individual checkpoints reachable.
func (t *Tracker) ApproveAll(message string) (ApproveResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session := t.ActiveSession()

	if t.hasUncommittedChangesLocked() {
		if _, err := t.createCheckpointLocked("Auto-commit before approval"); err != nil {
			return ApproveResult{}, err
		}
	}

	sessionHead := t.ReadRef(session)
	mainHead := t.ReadRef(MainBranch)
	if sessionHead == "" || mainHead == "" {
		return ApproveResult{}, fmt.Errorf("branches not initialized")
	}

	newSession := nextSessionName(session)

	// Nothing new on the session branch: just rotate sessions.
	if sessionHead == mainHead {
		if err := t.createSession(newSession, mainHead); err != nil {
			return ApproveResult{}, err
		}
		t.closeSessionRecords(session, newSession, mainHead, "")
		return ApproveResult{
			ApprovedCommit:  mainHead,
			NewSession:      newSession,
			CommitsApproved: 0,
		}, nil
	}

	sessionCommit, err := t.store.GetCommit(sessionHead)
	if err != nil {
		return ApproveResult{}, err
	}

	mergeMsg := message
	if mergeMsg == "" {
		mergeMsg = "Approved session"
	}

	mergeID, err := t.store.PutCommit(&Commit{
		Tree:    sessionCommit.Tree,
		Parents: []string{mainHead, sessionHead},
		Message: mergeMsg,
	})
	if err != nil {
		return ApproveResult{}, err
	}

	if err := t.WriteRef(MainBranch, mergeID); err != nil {
		return ApproveResult{}, err
	}
	if err := t.WriteRef(session, mergeID); err != nil {
		return ApproveResult{}, err
	}
	if err := t.createSession(newSession, mergeID); err != nil {
		return ApproveResult{}, err
	}

	commitsApproved := t.countCommitsBetween(mainHead, sessionHead)
	t.recordMetadata(mergeID, mergeMsg)
	t.closeSessionRecords(session, newSession, mergeID, mergeID)

	logger.Info("Session approved",
		"dialog", t.dialogID, "session", session,
		"merge_commit", shortID(mergeID), "commits", commitsApproved)

	return ApproveResult{
		ApprovedCommit:  mergeID,
		NewSession:      newSession,
		CommitsApproved: commitsApproved,
	}, nil
}

func (t *Tracker) closeSessionRecords(oldSession, newSession, mergeCommit, branchHead string) {
	if t.sessions == nil || t.dialogID == "" {
		return
	}
	if err := t.sessions.CloseSession(t.dialogID, oldSession, "merged", mergeCommit); err != nil {
		logger.Warn("Failed to close session record", "session", oldSession, "error", err)
	}
	if err := t.sessions.CreateSession(t.dialogID, newSession); err != nil {
		logger.Warn("Failed to create session record", "session", newSession, "error", err)
	}
	if branchHead != "" {
		if err := t.sessions.UpdateBranchHead(t.dialogID, MainBranch, branchHead); err != nil {
			logger.Warn("Failed to update branch head", "error", err)
		}
	}
}

// ResetToApproved abandons the active session and opens a fresh one from
// the approved main head. The workdir is not rewritten here; callers
// restore the main head explicitly when they want the files back.
func (t *Tracker) ResetToApproved() (ResetResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mainHead := t.ReadRef(MainBranch)
	if mainHead == "" {
		return ResetResult{}, fmt.Errorf("main branch not initialized")
	}

	session := t.ActiveSession()
	newSession := nextSessionName(session)
	if err := t.createSession(newSession, mainHead); err != nil {
		return ResetResult{}, err
	}

	if t.sessions != nil && t.dialogID != "" {
		if err := t.sessions.CloseSession(t.dialogID, session, "abandoned", ""); err != nil {
			logger.Warn("Failed to close session record", "session", session, "error", err)
		}
		if err := t.sessions.CreateSession(t.dialogID, newSession); err != nil {
			logger.Warn("Failed to create session record", "session", newSession, "error", err)
		}
	}

	logger.Info("Session reset to approved state",
		"dialog", t.dialogID, "session", session, "reset_to", shortID(mainHead))

	return ResetResult{ResetTo: mainHead, NewSession: newSession}, nil
}

func (t *Tracker) hasUncommittedChangesLocked() bool {
	session := t.ActiveSession()
	head := t.ReadRef(session)
	if head == "" {
		head = t.ReadRef(MainBranch)
	}
	if head == "" {
		return false
	}
	commit, err := t.store.GetCommit(head)
	if err != nil {
		return false
	}
	currentTree, err := t.buildTreeFromWorkdir()
	if err != nil {
		return false
	}
	return commit.Tree != currentTree
}

// countCommitsBetween counts commits reachable from head but not from
// base, inclusive of head.
func (t *Tracker) countCommitsBetween(base, head string) int {
	if base == head {
		return 0
	}
	count := 0
	visited := map[string]bool{}
	queue := []string{head}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] || id == base {
			continue
		}
		visited[id] = true
		count++
		commit, err := t.store.GetCommit(id)
		if err != nil {
			continue
		}
		queue = append(queue, commit.Parents...)
	}
	return count
}
