// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package redis

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"axonflow/tenantdb/connections/base"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewBackend("kv-1", client, log.New(io.Discard, "", 0))
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func openScoped(t *testing.T, b *Backend, org string) base.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := b.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.SetTenantContext(ctx, base.TenantContext{OrganizationID: org}); err != nil {
		t.Fatalf("SetTenantContext: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestSession_SetAndGetAreNamespaced(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()
	sess := openScoped(t, b, "org-a")

	_, err := sess.Execute(ctx, &base.Query{Statement: "SET", Parameters: map[string]interface{}{"key": "plan", "value": "pro"}})
	if err != nil {
		t.Fatalf("SET: %v", err)
	}

	if got, _ := mr.Get("t:org-a:plan"); got != "pro" {
		t.Errorf("stored value = %q, want namespaced key", got)
	}
	if mr.Exists("plan") {
		t.Error("bare key was written")
	}

	res, err := sess.Execute(ctx, &base.Query{Statement: "get", Parameters: map[string]interface{}{"key": "plan"}})
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if res.Rows[0]["value"] != "pro" || res.Rows[0]["key"] != "plan" {
		t.Errorf("GET row = %v", res.Rows[0])
	}
}

func TestSession_TenantIsolation(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	a := openScoped(t, b, "org-a")
	bSess := openScoped(t, b, "org-b")

	for _, k := range []string{"k1", "k2"} {
		if _, err := a.Execute(ctx, &base.Query{Statement: "SET", Parameters: map[string]interface{}{"key": k, "value": "a"}}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := bSess.Execute(ctx, &base.Query{Statement: "GET", Parameters: map[string]interface{}{"key": "k1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0]["exists"] != false {
		t.Errorf("org-b read org-a's key: %v", res.Rows[0])
	}

	res, err = bSess.Execute(ctx, &base.Query{Statement: "KEYS", Parameters: map[string]interface{}{"pattern": "*"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowCount != 0 {
		t.Errorf("org-b listed %d foreign keys", res.RowCount)
	}

	res, err = a.Execute(ctx, &base.Query{Statement: "KEYS"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowCount != 2 {
		t.Errorf("org-a listed %d keys, want 2", res.RowCount)
	}
	for _, row := range res.Rows {
		if k := row["key"].(string); k != "k1" && k != "k2" {
			t.Errorf("prefix leaked into key %q", k)
		}
	}
}

func TestSession_HashAndCounters(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()
	sess := openScoped(t, b, "org-a")

	if _, err := sess.Execute(ctx, &base.Query{Statement: "HSET", Parameters: map[string]interface{}{
		"key": "profile", "fields": map[string]interface{}{"name": "acme"},
	}}); err != nil {
		t.Fatalf("HSET: %v", err)
	}
	res, err := sess.Execute(ctx, &base.Query{Statement: "HGETALL", Parameters: map[string]interface{}{"key": "profile"}})
	if err != nil || res.Rows[0]["name"] != "acme" {
		t.Fatalf("HGETALL = %v, %v", res, err)
	}

	res, err = sess.Execute(ctx, &base.Query{Statement: "INCR", Parameters: map[string]interface{}{"key": "hits"}})
	if err != nil || res.Rows[0]["value"] != int64(1) {
		t.Fatalf("INCR = %v, %v", res, err)
	}

	if _, err := sess.Execute(ctx, &base.Query{Statement: "EXPIRE", Parameters: map[string]interface{}{"key": "hits", "ttl": 60}}); err != nil {
		t.Fatalf("EXPIRE: %v", err)
	}
	if ttl := mr.TTL("t:org-a:hits"); ttl != time.Minute {
		t.Errorf("ttl = %s, want 1m", ttl)
	}

	res, err = sess.Execute(ctx, &base.Query{Statement: "DEL", Parameters: map[string]interface{}{"key": "hits"}})
	if err != nil || res.RowsAffected != 1 {
		t.Fatalf("DEL = %v, %v", res, err)
	}
}

func TestSession_TTL(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()
	sess := openScoped(t, b, "org-a")

	if err := mr.Set("t:org-a:forever", "x"); err != nil {
		t.Fatal(err)
	}
	if err := mr.Set("t:org-a:short", "x"); err != nil {
		t.Fatal(err)
	}
	mr.SetTTL("t:org-a:short", 90*time.Second)

	tests := []struct {
		key        string
		wantTTL    int64
		wantExists bool
	}{
		{"forever", -1, true},
		{"missing", -2, false},
		{"short", 90, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			res, err := sess.Execute(ctx, &base.Query{Statement: "TTL", Parameters: map[string]interface{}{"key": tt.key}})
			if err != nil {
				t.Fatalf("TTL: %v", err)
			}
			row := res.Rows[0]
			if row["ttl"] != tt.wantTTL {
				t.Errorf("ttl = %v, want %d", row["ttl"], tt.wantTTL)
			}
			if row["exists"] != tt.wantExists {
				t.Errorf("exists = %v, want %v", row["exists"], tt.wantExists)
			}
		})
	}
}

func TestSession_RequiresContextAndKey(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	sess, err := b.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, &base.Query{Statement: "GET", Parameters: map[string]interface{}{"key": "x"}})
	if !errors.Is(err, base.ErrNoTenantContext) {
		t.Fatalf("err = %v, want ErrNoTenantContext", err)
	}

	if err := sess.SetTenantContext(ctx, base.TenantContext{OrganizationID: "org-a"}); err != nil {
		t.Fatal(err)
	}
	_, err = sess.Execute(ctx, &base.Query{Statement: "GET"})
	if !errors.Is(err, base.ErrUnsupportedOperation) || base.IsFault(err) {
		t.Errorf("missing key: err = %v, fault = %v", err, base.IsFault(err))
	}
	_, err = sess.Execute(ctx, &base.Query{Statement: "FLUSHALL"})
	if !errors.Is(err, base.ErrUnsupportedOperation) {
		t.Errorf("FLUSHALL should be unsupported, got %v", err)
	}

	if err := sess.ClearTenantContext(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = sess.Execute(ctx, &base.Query{Statement: "GET", Parameters: map[string]interface{}{"key": "x"}})
	if !errors.Is(err, base.ErrNoTenantContext) {
		t.Errorf("cleared session still executes: %v", err)
	}
}

func TestIsFault(t *testing.T) {
	if IsFault(redis.Nil) {
		t.Error("redis.Nil is not a fault")
	}
	if !IsFault(errors.New("dial tcp: connection refused")) {
		t.Error("network error should be a fault")
	}
}

func TestBackend_PingFailsWhenServerDown(t *testing.T) {
	b, mr := newTestBackend(t)
	mr.Close()

	err := b.Ping(context.Background())
	if err == nil {
		t.Fatal("expected ping error")
	}
	if !base.IsFault(err) {
		t.Error("unreachable server should count as a fault")
	}
}

func TestKeyPrefix(t *testing.T) {
	if KeyPrefix("org-a") != "t:org-a:" {
		t.Errorf("KeyPrefix = %q", KeyPrefix("org-a"))
	}
	if escapeGlob("a*b?") != `a\*b\?` {
		t.Errorf("escapeGlob = %q", escapeGlob("a*b?"))
	}
}
