package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/controlplane"
)

type fakeControlPlane struct {
	mu             sync.Mutex
	seq            int
	createErrQueue []error // consumed one per CreateKey call
	createErr      error
	revokeErr      map[string]error
	expires        *time.Time
	created        []controlplane.CreateKeyRequest
	revoked        []string
	live           map[string]bool
	beforeCreate   func() // runs once, outside the lock, at the start of the next CreateKey
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{revokeErr: map[string]error{}, live: map[string]bool{}}
}

func (f *fakeControlPlane) CreateKey(ctx context.Context, req controlplane.CreateKeyRequest) (*controlplane.CreatedKey, error) {
	f.mu.Lock()
	hook := f.beforeCreate
	f.beforeCreate = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrQueue) > 0 {
		err := f.createErrQueue[0]
		f.createErrQueue = f.createErrQueue[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("rk%03d", f.seq)
	f.created = append(f.created, req)
	f.live[id] = true
	return &controlplane.CreatedKey{
		ID:      id,
		Key:     fmt.Sprintf("tskey-auth-%s-%s%06d", id, strings.Repeat("x", 20), f.seq),
		Expires: f.expires,
	}, nil
}

func (f *fakeControlPlane) RevokeKey(ctx context.Context, remoteKeyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.revokeErr[remoteKeyID]; ok {
		return err
	}
	f.revoked = append(f.revoked, remoteKeyID)
	delete(f.live, remoteKeyID)
	return nil
}

func (f *fakeControlPlane) ListKeys(ctx context.Context) ([]controlplane.KeySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []controlplane.KeySummary
	for id := range f.live {
		out = append(out, controlplane.KeySummary{ID: id})
	}
	return out, nil
}

func (f *fakeControlPlane) GetKey(ctx context.Context, remoteKeyID string) (*controlplane.KeyDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[remoteKeyID] {
		return nil, &controlplane.RemoteAPIError{StatusCode: 404}
	}
	return &controlplane.KeyDetail{ID: remoteKeyID}, nil
}

func (f *fakeControlPlane) ListDevices(ctx context.Context) ([]controlplane.Device, error) {
	return []controlplane.Device{{ID: "d1", Hostname: "web-1"}}, nil
}

func (f *fakeControlPlane) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeControlPlane) revokedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type recordingAnnouncer struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAnnouncer) Announce(_ context.Context, msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingAnnouncer) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type failingCipher struct{}

func (failingCipher) Encrypt(string) (string, error) { return "", errors.New("enclave unavailable") }
func (failingCipher) Decrypt(string) (string, error) { return "", errors.New("enclave unavailable") }
