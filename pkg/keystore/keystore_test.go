package keystore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := &Static{}

	_, err := s.Key(ctx)
	assert.ErrorIs(t, err, ErrNoKey)

	s.Set([]byte{})
	key, err := s.Key(ctx)
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Empty(t, key)

	in := []byte("mykey")
	s.Set(in)
	in[0] = 'X'
	key, err = s.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mykey"), key)

	s.Set(nil)
	_, err = s.Key(ctx)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestEnv(t *testing.T) {
	ctx := context.Background()
	e := Env{Name: "SECUREPICKLE_TEST_KEY"}

	_ = os.Unsetenv(e.Name)
	_, err := e.Key(ctx)
	assert.ErrorIs(t, err, ErrNoKey)

	t.Setenv(e.Name, "mykey")
	key, err := e.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mykey"), key)

	t.Setenv(e.Name, "hex:6d796b6579")
	key, err = e.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mykey"), key)

	t.Setenv(e.Name, EncodeKey([]byte{0, 1, 2, 255}))
	key, err = e.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, key)

	t.Setenv(e.Name, "base64:***")
	_, err = e.Key(ctx)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	a, err := Generate(DefaultKeySize)
	require.NoError(t, err)
	b, err := Generate(DefaultKeySize)
	require.NoError(t, err)
	assert.Len(t, a, DefaultKeySize)
	assert.NotEqual(t, a, b)
}

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "signing.json")
}

func TestFile_NewGeneratesKey(t *testing.T) {
	path := tempKeystore(t)

	f, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ActiveVersion())
	assert.NotEmpty(t, f.ActiveID())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	key, err := f.Key(context.Background())
	require.NoError(t, err)
	assert.Len(t, key, DefaultKeySize)
}

func TestFile_RotateAndReload(t *testing.T) {
	ctx := context.Background()
	path := tempKeystore(t)

	f, err := OpenFile(path)
	require.NoError(t, err)
	k1, err := f.Key(ctx)
	require.NoError(t, err)

	v, err := f.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	k2, err := f.Key(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	keys, err := f.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, k2, keys[0])
	assert.Equal(t, k1, keys[1])

	reloaded, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.ActiveVersion())
	rk, err := reloaded.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, k2, rk)

	require.Error(t, reloaded.Retire(2))
	require.NoError(t, reloaded.Retire(1))
	require.Error(t, reloaded.Retire(1))
	keys, err = reloaded.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestFile_Import(t *testing.T) {
	ctx := context.Background()
	f, err := OpenFile(tempKeystore(t))
	require.NoError(t, err)

	v, err := f.Import([]byte("mykey"))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	key, err := f.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mykey"), key)

	_, err = f.Import(nil)
	assert.ErrorIs(t, err, ErrNoKey)

	v, err = f.Import([]byte{})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	key, err = f.Key(ctx)
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Empty(t, key)
}

func TestFile_Corrupt(t *testing.T) {
	path := tempKeystore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	_, err := OpenFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"active_version":3,"keys":{}}`), 0600))
	_, err = OpenFile(path)
	assert.Error(t, err)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQL_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQL(ctx, openSQLite(t), "sqlite")
	require.NoError(t, err)

	_, err = s.Key(ctx)
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = s.Keys(ctx)
	assert.ErrorIs(t, err, ErrNoKey)

	id1, err := s.Add(ctx, []byte("mykey"))
	require.NoError(t, err)
	key, err := s.Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mykey"), key)

	id2, err := s.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	key, err = s.Key(ctx)
	require.NoError(t, err)
	assert.Len(t, key, DefaultKeySize)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, key, keys[0])
	assert.Equal(t, []byte("mykey"), keys[1])

	require.NoError(t, s.Revoke(ctx, id1))
	assert.Error(t, s.Revoke(ctx, id1))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSQL_UnsupportedDriver(t *testing.T) {
	_, err := NewSQL(context.Background(), nil, "mysql")
	assert.Error(t, err)
}

func TestSQL_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS signing_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT material FROM signing_keys").
		WillReturnError(errors.New("connection reset"))

	s, err := NewSQL(context.Background(), db, "postgres")
	require.NoError(t, err)

	_, err = s.Key(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoKey)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE signing_keys SET active = FALSE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO signing_keys \(key_id, material, active, created_at\) VALUES \(\$1, \$2, TRUE, \$3\)`).
		WithArgs(sqlmock.AnyArg(), "bXlrZXk=", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s, err := NewSQL(context.Background(), db, "postgres")
	require.NoError(t, err)
	_, err = s.Add(context.Background(), []byte("mykey"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_Unreachable(t *testing.T) {
	r := NewRedis(RedisConfig{Addr: "127.0.0.1:1"})
	defer func() { _ = r.Close() }()

	_, err := r.Key(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoKey)
}
