//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/campusline/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// helpers ---------------------------------------------------------------

type liveEnv struct {
	baseURL   string
	socketURL string
	token     string
	userID    string
	chatID    string
}

func requireEnv(t *testing.T) liveEnv {
	t.Helper()
	env := liveEnv{
		baseURL:   os.Getenv("CHATSYNC_BASE_URL_TEST"),
		socketURL: os.Getenv("CHATSYNC_SOCKET_URL_TEST"),
		token:     os.Getenv("CHATSYNC_TOKEN_TEST"),
		userID:    os.Getenv("CHATSYNC_USER_ID_TEST"),
		chatID:    os.Getenv("CHATSYNC_CHAT_ID_TEST"),
	}
	if env.baseURL == "" || env.token == "" || env.userID == "" || env.chatID == "" {
		t.Fatal("CHATSYNC_BASE_URL_TEST, CHATSYNC_TOKEN_TEST, CHATSYNC_USER_ID_TEST and CHATSYNC_CHAT_ID_TEST are required")
	}
	return env
}

func newLiveSession(t *testing.T, env liveEnv, cache chatsync.SnapshotCache) *chatsync.Session {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sess, err := chatsync.NewSession(chatsync.SessionConfig{
		Chat:      chatsync.Chat{ID: env.chatID},
		UserID:    env.userID,
		Token:     env.token,
		BaseURL:   env.baseURL,
		SocketURL: env.socketURL,
		Cache:     cache,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func uniqueText(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_FetchHistory(t *testing.T) {
	env := requireEnv(t)
	client := chatsync.NewClient(chatsync.WithBaseURL(env.baseURL), chatsync.WithToken(env.token))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	page, err := client.FetchMessages(ctx, env.chatID, 1, chatsync.DefaultPageSize)
	require.NoError(t, err)
	t.Logf("page 1: %d messages, hasMore=%v", len(page.Messages), page.HasMore)
	for _, m := range page.Messages {
		assert.NotEmpty(t, m.ID)
	}
}

func TestIntegration_SendAndRevoke(t *testing.T) {
	env := requireEnv(t)
	sess := newLiveSession(t, env, chatsync.NewMemoryCache())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := sess.Open(ctx)
	require.NoError(t, err)

	text := uniqueText("chatsync_it")
	m, err := sess.SendMessage(ctx, chatsync.SendRequest{Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	assert.Equal(t, chatsync.StateConfirmed, m.State)

	count := 0
	for _, got := range sess.Messages() {
		if got.ID == m.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	err = sess.RevokeMessage(ctx, m.ID)
	if chatsync.IsFeatureUnavailable(err) {
		t.Skip("revoke not deployed on this server")
	}
	require.NoError(t, err)
}

// =======================================================================
// Socket
// =======================================================================

func TestIntegration_SocketConnects(t *testing.T) {
	env := requireEnv(t)
	if env.socketURL == "" {
		t.Skip("CHATSYNC_SOCKET_URL_TEST not set")
	}
	sess := newLiveSession(t, env, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := sess.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatsync.StateConnected, sess.ConnectionState(), sess.DebugState())

	_, err = sess.MarkRead(ctx)
	assert.NoError(t, err)
}

// =======================================================================
// Cache
// =======================================================================

func TestIntegration_ColdStartFromBolt(t *testing.T) {
	env := requireEnv(t)
	path := filepath.Join(t.TempDir(), "snapshots.db")

	cache, err := chatsync.OpenBoltCache(path)
	require.NoError(t, err)
	sess := newLiveSession(t, env, cache)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = sess.Open(ctx)
	require.NoError(t, err)
	want := len(sess.Messages())
	require.NoError(t, sess.Close())
	require.NoError(t, cache.Close())

	cache, err = chatsync.OpenBoltCache(path)
	require.NoError(t, err)
	defer cache.Close()
	snap, err := cache.Load(ctx, env.chatID)
	require.NoError(t, err)
	assert.Len(t, snap, want)
}
