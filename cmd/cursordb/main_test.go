package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/myuser/cursordb/internal/config"
	"github.com/myuser/cursordb/internal/db"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTerm(t *testing.T) {
	name, kr, err := parseTerm("first=B")
	require.NoError(t, err)
	assert.Equal(t, "first", name)
	assert.True(t, kr.Equal(storagetest.Range(keyrange.Only("B"))))

	name, kr, err = parseTerm("age=21")
	require.NoError(t, err)
	assert.Equal(t, "age", name)
	assert.True(t, kr.Contains(21.0))

	name, kr, err = parseTerm("last^=M")
	require.NoError(t, err)
	assert.Equal(t, "last", name)
	p, ok := kr.ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, "M", p)

	_, _, err = parseTerm("=B")
	assert.Error(t, err)
	_, _, err = parseTerm("first")
	assert.Error(t, err)
}

func TestExecuteHandler(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Stores = storagetest.PeopleSchema().Stores
	d, err := db.Open(cfg)
	require.NoError(t, err)
	defer d.Close()
	srv := httptest.NewServer(newMux(d))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/execute", "text/plain",
		strings.NewReader("INSERT INTO people (id, first, last, age) VALUES (1, 'B', 'M', 24), (4, 'B', 'M', 21)"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/execute?sql=" + url.QueryEscape("SELECT id FROM people WHERE first = 'B' ORDER BY age"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Equal(t, []map[string]any{{"id": 4.0}, {"id": 1.0}}, rows)

	resp, err = http.Get(srv.URL + "/execute?sql=" + url.QueryEscape("SELECT * FROM nobody"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
