package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/secret"
)

type harness struct {
	svc     *KeyService
	store   *config.Store
	remote  *fakeControlPlane
	ann     *recordingAnnouncer
	codec   *secret.Codec
	metrics *metrics.Metrics
	user    *model.User
	machine *model.Machine
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := config.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, err := secret.GenerateKey()
	require.NoError(t, err)
	codec, err := secret.NewCodecFromString(key)
	require.NoError(t, err)

	ctx := context.Background()
	user := &model.User{Email: "u1@example.com"}
	require.NoError(t, store.CreateUser(ctx, user))
	machine := &model.Machine{UserID: user.ID, Hostname: "web-1"}
	require.NoError(t, store.CreateMachine(ctx, machine))

	h := &harness{
		store:   store,
		remote:  newFakeControlPlane(),
		ann:     &recordingAnnouncer{},
		codec:   codec,
		metrics: metrics.New(prometheus.NewRegistry()),
		user:    user,
		machine: machine,
		now:     time.Now().UTC(),
	}
	h.svc = NewKeyService(store, h.remote, codec, Options{
		Announcer: h.ann,
		Metrics:   h.metrics,
		Clock:     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) issue(t *testing.T, ttl time.Duration) *model.AuthKey {
	t.Helper()
	k, err := h.svc.IssueKey(context.Background(), IssueKeyRequest{
		OwnerUserID:   h.user.ID,
		TTLSeconds:    int64(ttl / time.Second),
		Reusable:      true,
		Preauthorized: true,
		Tags:          []string{"tag:server"},
	})
	require.NoError(t, err)
	return k
}

func (h *harness) events(t *testing.T, typ model.EventType) []model.Event {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), model.EventFilter{Type: typ})
	require.NoError(t, err)
	return events
}

func TestIssueKeyThirtyDays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	k, err := h.svc.IssueKey(ctx, IssueKeyRequest{OwnerUserID: h.user.ID, TTLSeconds: 2592000, Reusable: true})
	require.NoError(t, err)

	require.NotNil(t, k.ExpiresAt)
	assert.Equal(t, k.CreatedAt.Add(30*24*time.Hour), *k.ExpiresAt)
	assert.True(t, k.Active)
	assert.False(t, k.Revoked)
	assert.Nil(t, k.RevokedAt)
	assert.Equal(t, "rk001", k.RemoteKeyID)

	stored, err := h.store.GetAuthKey(ctx, k.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.True(t, stored.Reusable)

	created, err := h.store.ListEvents(ctx, model.EventFilter{OwnerUserID: h.user.ID})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.EventKeyCreated, created[0].Type)
	assert.Equal(t, k.ID, *created[0].KeyID)
	assert.True(t, strings.HasPrefix(created[0].Message, k.MaskedValue+" exp="))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.KeysIssued.WithLabelValues("manual")))
}

func TestIssueKeyNeverStoresPlaintext(t *testing.T) {
	h := newHarness(t)
	k := h.issue(t, time.Hour)

	plain, err := h.svc.RevealKey(context.Background(), k.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "tskey-auth-rk001-"))
	assert.NotContains(t, k.CipherText, plain)
	assert.Equal(t, secret.MaskKey(plain), k.MaskedValue)
	assert.Equal(t, plain[len(plain)-6:], k.MaskedValue[len(k.MaskedValue)-6:])

	for _, msg := range h.ann.messages() {
		assert.NotContains(t, msg, plain)
	}
}

func TestIssueKeyRemoteFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.remote.createErr = &controlplane.RemoteAPIError{StatusCode: 500, Body: "boom"}

	_, err := h.svc.IssueKey(context.Background(), IssueKeyRequest{OwnerUserID: h.user.ID, TTLSeconds: 3600})
	var apiErr *controlplane.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)

	keys, err := h.store.ListAuthKeys(context.Background(), model.KeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, h.events(t, ""))
	assert.Empty(t, h.ann.messages())
}

func TestIssueKeyEncryptFailureRevokesRemote(t *testing.T) {
	h := newHarness(t)
	svc := NewKeyService(h.store, h.remote, failingCipher{}, Options{})

	_, err := svc.IssueKey(context.Background(), IssueKeyRequest{OwnerUserID: h.user.ID, TTLSeconds: 3600})
	require.Error(t, err)
	assert.Equal(t, []string{"rk001"}, h.remote.revokedIDs())

	keys, err := h.store.ListAuthKeys(context.Background(), model.KeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIssueKeyValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := &model.User{Email: "other@example.com"}
	require.NoError(t, h.store.CreateUser(ctx, other))

	tests := []struct {
		name    string
		req     IssueKeyRequest
		wantErr error
	}{
		{"missing owner", IssueKeyRequest{}, ErrInvalidRequest},
		{"negative ttl", IssueKeyRequest{OwnerUserID: h.user.ID, TTLSeconds: -1}, ErrInvalidRequest},
		{"bad tag", IssueKeyRequest{OwnerUserID: h.user.ID, Tags: []string{"server"}}, ErrInvalidRequest},
		{"unknown owner", IssueKeyRequest{OwnerUserID: "nobody"}, config.ErrNotFound},
		{"unknown machine", IssueKeyRequest{OwnerUserID: h.user.ID, OwnerMachineID: "nope"}, config.ErrNotFound},
		{"machine of other user", IssueKeyRequest{OwnerUserID: other.ID, OwnerMachineID: h.machine.ID}, config.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.IssueKey(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, h.remote.createCount(), "validation failures must not reach the control plane")
}

func TestIssueKeyDefaultsAndScope(t *testing.T) {
	h := newHarness(t)
	k, err := h.svc.IssueKey(context.Background(), IssueKeyRequest{OwnerUserID: h.user.ID, OwnerMachineID: h.machine.ID})
	require.NoError(t, err)

	assert.Equal(t, int64(30*24*3600), k.TTLSeconds)
	assert.Equal(t, h.machine.ID, k.MachineID())
	assert.Equal(t, "keyfleet user=u1@example.com machine=web-1", k.Description)
	assert.Equal(t, "u1@example.com", h.remote.created[0].UserScope)
}

func TestIssueKeyPrefersRemoteExpiry(t *testing.T) {
	h := newHarness(t)
	remoteExp := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	h.remote.expires = &remoteExp

	k := h.issue(t, 30*24*time.Hour)
	assert.Equal(t, remoteExp, *k.ExpiresAt)
}

func TestIssueKeyAnnounces(t *testing.T) {
	h := newHarness(t)
	k := h.issue(t, time.Hour)

	msgs := h.ann.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "[Key Created] user=u1@example.com key="+k.MaskedValue+" exp="+k.ExpiresAt.Format(time.RFC3339), msgs[0])
}

func TestRevokeKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.issue(t, time.Hour)

	require.NoError(t, h.svc.RevokeKey(ctx, k.ID))

	got, err := h.store.GetAuthKey(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Revoked)
	assert.NotNil(t, got.RevokedAt)
	assert.Equal(t, model.KeyStateRevoked, got.State(time.Now()))
	assert.Equal(t, []string{"rk001"}, h.remote.revokedIDs())

	revoked := h.events(t, model.EventKeyRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, k.MaskedValue, revoked[0].Message)

	msgs := h.ann.messages()
	assert.Equal(t, "[Key Revoked] user=u1@example.com key="+k.MaskedValue, msgs[len(msgs)-1])

	// second revoke is a no-op
	require.NoError(t, h.svc.RevokeKey(ctx, k.ID))
	assert.Len(t, h.events(t, model.EventKeyRevoked), 1)
	assert.Len(t, h.remote.revokedIDs(), 1)

	_, err = h.svc.RevealKey(ctx, k.ID)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestRevokeKeyRemoteNotFoundSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.issue(t, time.Hour)
	h.remote.revokeErr[k.RemoteKeyID] = &controlplane.RemoteAPIError{StatusCode: 404, Body: "not found"}

	require.NoError(t, h.svc.RevokeKey(ctx, k.ID))

	got, err := h.store.GetAuthKey(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Revoked)
}

func TestRevokeKeyRemoteFailureLeavesLocalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.issue(t, time.Hour)
	h.remote.revokeErr[k.RemoteKeyID] = &controlplane.TransientNetworkError{Op: "revoke key", Err: context.DeadlineExceeded}

	err := h.svc.RevokeKey(ctx, k.ID)
	require.Error(t, err)
	assert.True(t, controlplane.IsTransient(err))

	got, err := h.store.GetAuthKey(ctx, k.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.False(t, got.Revoked)
	assert.Empty(t, h.events(t, model.EventKeyRevoked))
}

func TestRevokeKeyNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.svc.RevokeKey(context.Background(), "missing")
	assert.ErrorIs(t, err, config.ErrNotFound)
}

func TestCurrentKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CurrentKey(ctx, h.user.ID, "")
	assert.ErrorIs(t, err, config.ErrNotFound)

	h.issue(t, time.Hour)
	newer := h.issue(t, time.Hour)

	got, err := h.svc.CurrentKey(ctx, h.user.ID, "")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	key, plain, err := h.svc.RevealCurrentKey(ctx, h.user.ID, "")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, key.ID)
	assert.Equal(t, secret.MaskKey(plain), newer.MaskedValue)

	_, err = h.svc.CurrentKey(ctx, h.user.ID, h.machine.ID)
	assert.ErrorIs(t, err, config.ErrNotFound)
}

func TestRevealKeyWrongCodec(t *testing.T) {
	h := newHarness(t)
	k := h.issue(t, time.Hour)

	other, err := secret.GenerateKey()
	require.NoError(t, err)
	codec, err := secret.NewCodecFromString(other)
	require.NoError(t, err)
	svc := NewKeyService(h.store, h.remote, codec, Options{})

	_, err = svc.RevealKey(context.Background(), k.ID)
	assert.ErrorIs(t, err, secret.ErrCrypto)
}

func TestPassThroughQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.issue(t, time.Hour)

	remote, err := h.svc.ListRemoteKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, remote, 1)

	detail, err := h.svc.GetRemoteKey(ctx, k.RemoteKeyID)
	require.NoError(t, err)
	assert.Equal(t, k.RemoteKeyID, detail.ID)

	_, err = h.svc.GetRemoteKey(ctx, "gone")
	assert.True(t, errors.Is(err, controlplane.ErrNotFound))

	devices, err := h.svc.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	keys, err := h.svc.ListKeys(ctx, model.KeyFilter{OwnerUserID: h.user.ID})
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	events, err := h.svc.ListEvents(ctx, model.EventFilter{KeyID: k.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	got, err := h.svc.GetKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, k.MaskedValue, got.MaskedValue)
}
