package homee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordDigest(t *testing.T) {
	// sha512("password")
	assert.Equal(t,
		"b109f3bbbc244eb82441917ed06d618b9008dd09b3befd1b5e07394c706a8bb980b1d7785e5976ec049b46df5f1326af5a2ea6d103fd07c95385ffab0cacbc86",
		PasswordDigest("password"))
}

func TestRequestToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/access_token", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, PasswordDigest("secret"), pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "homeeApi", r.PostForm.Get("device_name"))
		assert.Equal(t, "homee-api", r.PostForm.Get("device_hardware_id"))
		assert.Equal(t, "1", r.PostForm.Get("device_os"))
		assert.Equal(t, "0", r.PostForm.Get("device_type"))
		assert.Equal(t, "1", r.PostForm.Get("device_app"))

		fmt.Fprint(w, "access_token=abc123&user_id=1&device_id=2&expires=31536000")
	}))
	defer srv.Close()

	creds := NewCredentials(srv.Client(), srv.URL, "user", "secret", "homeeApi", time.Second)
	token, err := creds.RequestToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Token{
		AccessToken: "abc123",
		UserID:      "1",
		DeviceID:    "2",
		TTL:         31536000 * time.Second,
	}, token)
}

func TestRequestTokenErrors(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer srv.Close()

		creds := NewCredentials(srv.Client(), srv.URL, "user", "wrong", "homeeApi", time.Second)
		_, err := creds.RequestToken(context.Background())

		var authErr *AuthError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, http.StatusUnauthorized, authErr.Status)
		assert.Equal(t, "request failed with status 401 Unauthorized", authErr.Error())
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("invalid body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "hello")
		}))
		defer srv.Close()

		creds := NewCredentials(srv.Client(), srv.URL, "user", "pw", "homeeApi", time.Second)
		_, err := creds.RequestToken(context.Background())
		assert.ErrorIs(t, err, ErrInvalidTokenResponse)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		creds := NewCredentials(nil, url, "user", "pw", "homeeApi", time.Second)
		_, err := creds.RequestToken(context.Background())

		var transportErr *TransportError
		require.True(t, errors.As(err, &transportErr))
		assert.Equal(t, "token", transportErr.Op)
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestSessionTokenValid(t *testing.T) {
	now := time.Now()

	assert.False(t, (&Session{}).TokenValid(now))
	assert.False(t, (&Session{Token: "t", Expires: now}).TokenValid(now))
	assert.False(t, (&Session{Token: "t", Expires: now.Add(-time.Second)}).TokenValid(now))
	assert.False(t, (&Session{Expires: now.Add(time.Hour)}).TokenValid(now))
	assert.True(t, (&Session{Token: "t", Expires: now.Add(time.Hour)}).TokenValid(now))
}

func TestFetchLog(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/logfile.log", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		fmt.Fprint(w, "line 1\nline 2\n")
	}))
	defer srv.Close()

	creds := NewCredentials(srv.Client(), srv.URL, "user", "pw", "homeeApi", time.Second)
	body, err := creds.FetchLog(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", body)
	assert.Equal(t, int32(1), hits.Load())
}
