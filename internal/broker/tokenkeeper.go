package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// tokenRefreshWindow is how long before expiry a session token should be
// rotated.
const tokenRefreshWindow = 3 * 24 * time.Hour

// tokenFile is the on-disk TOML layout:
//
//	token  = "..."
//	expiry = 2025-01-01T00:00:00Z
type tokenFile struct {
	Token  string    `toml:"token"`
	Expiry time.Time `toml:"expiry"`
}

// TokenKeeper owns a vendor session token stored in a TOML file. The file is
// the source of truth: an operator or external refresher rotates it and
// Reload picks the change up.
type TokenKeeper struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu      sync.RWMutex
	token   string
	expiry  time.Time
	modTime time.Time
}

// LoadTokenKeeper reads the token file. An expired token is refused since
// nothing could connect with it.
func LoadTokenKeeper(path string, log *slog.Logger) (*TokenKeeper, error) {
	if path == "" {
		return nil, errors.New("token file path is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	k := &TokenKeeper{path: path, log: log, now: time.Now}
	if _, err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Token returns the current token.
func (k *TokenKeeper) Token() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.token
}

// Expiry returns the current token's expiry; zero means none was recorded.
func (k *TokenKeeper) Expiry() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.expiry
}

// Expired reports whether the token is past its expiry.
func (k *TokenKeeper) Expired() bool {
	exp := k.Expiry()
	return !exp.IsZero() && !k.now().Before(exp)
}

// ShouldRefresh reports whether the token is still valid but inside the
// refresh window.
func (k *TokenKeeper) ShouldRefresh() bool {
	exp := k.Expiry()
	if exp.IsZero() || k.Expired() {
		return false
	}
	return !k.now().Before(exp.Add(-tokenRefreshWindow))
}

// Reload rereads the file when its modification time changed. It reports
// whether a new token was loaded; the old token stays in place on error.
func (k *TokenKeeper) Reload() (bool, error) {
	info, err := os.Stat(k.path)
	if err != nil {
		return false, fmt.Errorf("token file: %w", err)
	}
	k.mu.RLock()
	unchanged := !k.modTime.IsZero() && info.ModTime().Equal(k.modTime)
	k.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	var tf tokenFile
	if _, err := toml.DecodeFile(k.path, &tf); err != nil {
		return false, fmt.Errorf("parsing token file %s: %w", k.path, err)
	}
	if tf.Token == "" {
		return false, fmt.Errorf("token file %s has no token", k.path)
	}
	if !tf.Expiry.IsZero() && !k.now().Before(tf.Expiry) {
		return false, fmt.Errorf("token in %s expired at %s", k.path, tf.Expiry.Format(time.RFC3339))
	}

	k.mu.Lock()
	changed := tf.Token != k.token
	k.token = tf.Token
	k.expiry = tf.Expiry
	k.modTime = info.ModTime()
	k.mu.Unlock()

	if !tf.Expiry.IsZero() {
		k.log.Info("session token loaded", "expiry", tf.Expiry.Format(time.RFC3339))
	}
	return changed, nil
}

// WriteTokenFile replaces the token file at path atomically. A running
// TokenKeeper on the same path picks the new token up on its next Reload.
func WriteTokenFile(path, token string, expiry time.Time) error {
	if token == "" {
		return errors.New("empty token")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	tf := tokenFile{Token: token}
	if !expiry.IsZero() {
		tf.Expiry = expiry.UTC()
	}
	if err := toml.NewEncoder(tmp).Encode(tf); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
