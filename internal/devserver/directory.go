package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitalk/internal/model"
)

var (
	ErrUnauthorized = errors.New("devserver: unauthorized")
	ErrNotFound     = errors.New("devserver: not found")
	ErrNoReview     = errors.New("devserver: no counsellor awaits a review")
)

type grant struct {
	accountID string
	expires   time.Time
}

type storedReview struct {
	AccountID string
	model.Review
	At time.Time
}

type storedRecord struct {
	owner string
	model.RecordDetail
}

// Directory holds accounts, issued tokens, the FAQ, reviews and finished room records.
type Directory struct {
	mu         sync.RWMutex
	accounts   map[string]model.Account
	access     map[string]grant
	refresh    map[string]grant
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	questions []model.Question
	reviews   []storedReview
	pending   map[string]string
	records   map[string]storedRecord
}

// NewDirectory seeds accounts from "id:password" pairs; malformed entries are skipped.
func NewDirectory(accounts []string, accessTTL, refreshTTL time.Duration) *Directory {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 14 * 24 * time.Hour
	}
	d := &Directory{
		accounts:   make(map[string]model.Account),
		access:     make(map[string]grant),
		refresh:    make(map[string]grant),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		questions:  defaultQuestions(),
		pending:    make(map[string]string),
		records:    make(map[string]storedRecord),
	}
	for _, a := range accounts {
		id, pw, ok := strings.Cut(a, ":")
		if !ok || id == "" || pw == "" {
			continue
		}
		d.accounts[id] = model.Account{ID: id, Name: id, Password: pw}
	}
	return d
}

func defaultQuestions() []model.Question {
	return []model.Question{
		{ID: "1", Title: "When are counsellors available?", Answer: "Counsellors answer every day from 9:00 to 22:00."},
		{ID: "2", Title: "Is my conversation confidential?", Answer: "Yes. Transcripts are only visible to you and your counsellor."},
		{ID: "3", Title: "Can I send files?", Answer: "Images, videos and common documents can be attached to a chat."},
	}
}

func (d *Directory) issue(accountID string, withRefresh bool, refreshToken string, refreshExp time.Time) model.Token {
	now := d.now()
	tok := model.Token{AccessToken: uuid.NewString(), RefreshToken: refreshToken, RefreshExpiresAt: refreshExp}
	d.access[tok.AccessToken] = grant{accountID: accountID, expires: now.Add(d.accessTTL)}
	if withRefresh {
		tok.RefreshToken = uuid.NewString()
		tok.RefreshExpiresAt = now.Add(d.refreshTTL).Truncate(time.Second)
		d.refresh[tok.RefreshToken] = grant{accountID: accountID, expires: tok.RefreshExpiresAt}
	}
	return tok
}

// Login checks credentials and issues a fresh token pair.
func (d *Directory) Login(cred model.Credentials) (model.Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[cred.ID]
	if !ok || acc.Password != cred.Password {
		return model.Token{}, ErrUnauthorized
	}
	return d.issue(acc.ID, true, "", time.Time{}), nil
}

// Reissue trades a live refresh token for a new access token; the refresh token is kept.
func (d *Directory) Reissue(refreshToken string) (model.Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.refresh[refreshToken]
	if !ok || !d.now().Before(g.expires) {
		delete(d.refresh, refreshToken)
		return model.Token{}, ErrUnauthorized
	}
	return d.issue(g.accountID, false, refreshToken, g.expires), nil
}

// Authenticate resolves an access token.
func (d *Directory) Authenticate(accessToken string) (model.Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.access[accessToken]
	if !ok || !d.now().Before(g.expires) {
		return model.Account{}, ErrUnauthorized
	}
	return d.accounts[g.accountID], nil
}

// ExpireAccess invalidates every access token; refresh tokens stay valid.
func (d *Directory) ExpireAccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.access = make(map[string]grant)
}

func (d *Directory) Questions() []model.Question {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Question, len(d.questions))
	copy(out, d.questions)
	return out
}

// PendingReview returns the counsellor the account has not reviewed yet.
func (d *Directory) PendingReview(accountID string) model.ReviewState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.pending[accountID]
	if !ok {
		return model.ReviewState{}
	}
	return model.ReviewState{CounsellorID: &id}
}

// AddReview stores r if it targets the counsellor awaiting a review.
func (d *Directory) AddReview(accountID string, r model.Review) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[accountID] != r.CounsellorID || r.CounsellorID == "" {
		return ErrNoReview
	}
	delete(d.pending, accountID)
	d.reviews = append(d.reviews, storedReview{AccountID: accountID, Review: r, At: d.now()})
	return nil
}

// Reviews returns stored reviews, oldest first.
func (d *Directory) Reviews() []model.Review {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Review, 0, len(d.reviews))
	for _, r := range d.reviews {
		out = append(out, r.Review)
	}
	return out
}

// saveRecord stores a finished room and marks its counsellor as awaiting a review.
func (d *Directory) saveRecord(roomID, owner, counsellorID string, rec model.RecordDetail) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[roomID] = storedRecord{owner: owner, RecordDetail: rec}
	d.pending[owner] = counsellorID
}

// Record returns a finished room of the account.
func (d *Directory) Record(accountID, roomID string) (model.RecordDetail, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[roomID]
	if !ok || rec.owner != accountID {
		return model.RecordDetail{}, ErrNotFound
	}
	return rec.RecordDetail, nil
}

// RecordIDs lists finished rooms of the account.
func (d *Directory) RecordIDs(accountID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, rec := range d.records {
		if rec.owner == accountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) account(id string) (model.Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[id]
	return acc, ok
}
