package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dekarrin/uniqdoc"
)

// State is the state of a Session.
type State int

const (
	// StateOpen is a Session that is accepting writes.
	StateOpen State = iota

	// StateCommitting is a Session whose SaveChanges is running.
	StateCommitting

	// StateCommitted is a Session whose last SaveChanges succeeded.
	StateCommitted

	// StateAborted is a Session whose last SaveChanges failed.
	StateAborted

	// StateClosed is a Session that has been closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a unit of work. Writes made with Store and Delete only touch the
// Session's pending batch; SaveChanges applies the whole batch at once or not
// at all. After SaveChanges returns, the Session may be used for the next
// batch.
type Session struct {
	st *Store

	mtx     sync.Mutex
	state   State
	pending []uniqdoc.Op
}

// State returns the current state of the Session.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Pending returns the number of writes waiting to be saved.
func (s *Session) Pending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.pending)
}

// enqueue adds op to the batch. s.mtx must be held.
func (s *Session) enqueue(op uniqdoc.Op) error {
	switch s.state {
	case StateCommitting, StateClosed:
		return uniqdoc.NewError(fmt.Sprintf("cannot add %s to %s session", op.Kind, s.state), uniqdoc.ErrSessionState)
	}
	s.state = StateOpen
	s.pending = append(s.pending, op)
	return nil
}

// Store adds doc to the batch, to be inserted or, if a document with its ID
// already exists, to replace that document. If doc has no ID, a new one is
// assigned. The ID that doc will be saved under is returned.
//
// Nothing is checked or written until SaveChanges is called. Later changes to
// doc's Fields map do not affect the batch.
func (s *Session) Store(doc uniqdoc.Document) (string, error) {
	if doc.ID == "" {
		doc.ID = s.st.newID()
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.enqueue(uniqdoc.Op{Kind: uniqdoc.OpStore, Doc: doc.Clone()}); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// Delete adds the deletion of the document with the given ID to the batch. If
// no such document exists when SaveChanges is called, the save fails with an
// error matching uniqdoc.ErrNotFound.
func (s *Session) Delete(id string) error {
	if id == "" {
		return uniqdoc.NewError("document ID must not be empty", uniqdoc.ErrBadArgument)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.enqueue(uniqdoc.Op{Kind: uniqdoc.OpDelete, ID: id})
}

// Load returns the saved document with the given ID. Pending writes in the
// batch are not visible to Load.
func (s *Session) Load(ctx context.Context, id string) (uniqdoc.Document, error) {
	if s.State() == StateClosed {
		return uniqdoc.Document{}, uniqdoc.NewError("session is closed", uniqdoc.ErrSessionState)
	}
	if err := s.st.usable(); err != nil {
		return uniqdoc.Document{}, err
	}
	return s.st.enf.Get(ctx, id)
}

// CheckForUniqueConstraints reports which unique fields of doc hold a value
// that a saved document other than doc already owns. It changes nothing, and
// pending writes in the batch are not taken into account.
func (s *Session) CheckForUniqueConstraints(ctx context.Context, doc uniqdoc.Document) (uniqdoc.ConflictReport, error) {
	if s.State() == StateClosed {
		return uniqdoc.ConflictReport{}, uniqdoc.NewError("session is closed", uniqdoc.ErrSessionState)
	}
	if err := s.st.usable(); err != nil {
		return uniqdoc.ConflictReport{}, err
	}
	return s.st.enf.Check(ctx, doc)
}

// SaveChanges applies the pending batch in the order the writes were made, in
// a single transaction. If any write would break a unique constraint, a
// *uniqdoc.UniqueConstraintViolation is returned and none of the batch is
// applied. The batch is emptied whether or not the save succeeds.
func (s *Session) SaveChanges(ctx context.Context) error {
	s.mtx.Lock()
	switch s.state {
	case StateCommitting, StateClosed:
		state := s.state
		s.mtx.Unlock()
		return uniqdoc.NewError(fmt.Sprintf("cannot save %s session", state), uniqdoc.ErrSessionState)
	}
	batch := s.pending
	s.pending = nil
	s.state = StateCommitting
	s.mtx.Unlock()

	err := s.st.usable()
	if err == nil {
		err = s.st.enf.Apply(ctx, batch)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err != nil {
		s.state = StateAborted
		s.st.log.Debugf("session save of %d write(s) aborted: %v", len(batch), err)
		return err
	}
	s.state = StateCommitted
	s.st.log.Debugf("session saved %d write(s)", len(batch))
	return nil
}

// Close discards any pending writes and ends the Session. Calling Close on a
// closed Session has no effect. A Session cannot be closed while SaveChanges is
// running.
func (s *Session) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StateCommitting:
		return uniqdoc.NewError("cannot close session while saving", uniqdoc.ErrSessionState)
	}
	if len(s.pending) > 0 {
		s.st.log.Debugf("session closed with %d unsaved write(s)", len(s.pending))
	}
	s.pending = nil
	s.state = StateClosed
	return nil
}
