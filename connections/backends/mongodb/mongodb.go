// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package mongodb is the document tenant backend. MongoDB has no session
// variables, so tenant context is enforced by rewriting every operation:
// filters gain an org_id clause, pipelines gain a leading $match, and
// inserted documents are stamped with org_id.
//
// Statements have the form "<operation>:<collection>", for example
// "find:orders". Operation inputs come from Query.Parameters.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"axonflow/tenantdb/connections/base"
)

// TenantField is the document field that carries the owning organization.
const TenantField = "org_id"

const (
	defaultPort        = 27017
	defaultDialTimeout = 10 * time.Second
	defaultLimit       = 1000
)

// Driver opens MongoDB backends.
type Driver struct {
	logger *log.Logger
}

// NewDriver creates a MongoDB driver.
func NewDriver() *Driver {
	return &Driver{logger: log.New(os.Stdout, "[BACKEND_MONGODB] ", log.LstdFlags)}
}

func (d *Driver) Engine() base.Engine { return base.MongoDB }

// Connect creates a client for ep and pings the primary.
func (d *Driver) Connect(ctx context.Context, ep base.Endpoint) (base.Backend, error) {
	timeout := ep.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	opts := options.Client().
		ApplyURI(URI(ep)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetAppName("tenantdb").
		SetRetryReads(true).
		SetRetryWrites(true)
	if n, err := strconv.Atoi(ep.Options["max_conns"]); err == nil && n > 0 {
		opts.SetMaxPoolSize(uint64(n))
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, base.WrapError(ep.ConnectionID, "connect", err, IsFault)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, base.WrapError(ep.ConnectionID, "connect", err, IsFault)
	}

	d.logger.Printf("Connected to MongoDB: %s (%s/%s)", ep.ConnectionID, ep.Address(), ep.Database)
	return &Backend{id: ep.ConnectionID, client: client, db: client.Database(ep.Database), logger: d.logger}, nil
}

// URI builds a mongodb:// URI for ep.
func URI(ep base.Endpoint) string {
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}
	u := url.URL{Scheme: "mongodb", Host: ep.Host + ":" + strconv.Itoa(port), Path: "/"}
	if user := ep.Username(); user != "" {
		u.User = url.UserPassword(user, ep.Password())
	}
	q := url.Values{}
	if src := ep.Options["auth_source"]; src != "" {
		q.Set("authSource", src)
	}
	if ep.Options["tls"] == "true" {
		q.Set("tls", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// IsFault reports network errors and timeouts as backend faults. Command
// and write errors are about the operation.
func IsFault(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("NetworkError")
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		return false
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false
	}
	return true
}

// Backend is one MongoDB database.
type Backend struct {
	id     string
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

// Open returns a session over the shared client. The driver pools sockets
// itself; the session carries tenant scope.
func (b *Backend) Open(ctx context.Context) (base.Session, error) {
	return &Session{backend: b}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return base.WrapError(b.id, "ping", b.client.Ping(ctx, readpref.Primary()), IsFault)
}

func (b *Backend) Close() error {
	b.logger.Printf("Disconnecting MongoDB backend %s", b.id)
	return b.client.Disconnect(context.Background())
}

// Session scopes operations to one tenant.
type Session struct {
	backend *Backend
	orgID   string
}

func (s *Session) SetTenantContext(ctx context.Context, tc base.TenantContext) error {
	if err := tc.Validate(); err != nil {
		return base.WrapError(s.backend.id, "set_context", err, IsFault)
	}
	s.orgID = tc.OrganizationID
	return nil
}

func (s *Session) ClearTenantContext(ctx context.Context) error {
	s.orgID = ""
	return nil
}

func (s *Session) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Session) Close() error {
	s.orgID = ""
	return nil
}

// Execute runs one scoped operation.
func (s *Session) Execute(ctx context.Context, q *base.Query) (*base.Result, error) {
	if s.orgID == "" {
		return nil, base.WrapError(s.backend.id, "execute", base.ErrNoTenantContext, IsFault)
	}
	op, collection, err := ParseStatement(q.Statement)
	if err != nil {
		return nil, base.WrapError(s.backend.id, "execute", err, IsFault)
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	start := time.Now()
	coll := s.backend.db.Collection(collection)
	result, err := s.run(ctx, coll, op, q)
	if err != nil {
		return nil, base.WrapError(s.backend.id, op, err, IsFault)
	}
	result.Duration = time.Since(start)
	result.Backend = s.backend.id
	return result, nil
}

func (s *Session) run(ctx context.Context, coll *mongo.Collection, op string, q *base.Query) (*base.Result, error) {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	switch op {
	case "find":
		filter, err := ScopeFilter(q.Parameters["filter"], s.orgID)
		if err != nil {
			return nil, err
		}
		cursor, err := coll.Find(ctx, filter, options.Find().SetLimit(limit))
		if err != nil {
			return nil, err
		}
		return decodeCursor(ctx, cursor)

	case "findOne":
		filter, err := ScopeFilter(q.Parameters["filter"], s.orgID)
		if err != nil {
			return nil, err
		}
		var doc bson.M
		err = coll.FindOne(ctx, filter).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &base.Result{Rows: []map[string]interface{}{}}, nil
		}
		if err != nil {
			return nil, err
		}
		return &base.Result{Rows: []map[string]interface{}{doc}, RowCount: 1}, nil

	case "count":
		filter, err := ScopeFilter(q.Parameters["filter"], s.orgID)
		if err != nil {
			return nil, err
		}
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &base.Result{Rows: []map[string]interface{}{{"count": n}}, RowCount: 1}, nil

	case "aggregate":
		pipeline, err := ScopePipeline(q.Parameters["pipeline"], s.orgID)
		if err != nil {
			return nil, err
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		return decodeCursor(ctx, cursor)

	case "insertOne":
		doc, err := ScopeDocument(q.Parameters["document"], s.orgID)
		if err != nil {
			return nil, err
		}
		res, err := coll.InsertOne(ctx, doc)
		if err != nil {
			return nil, err
		}
		return &base.Result{
			Rows:         []map[string]interface{}{{"inserted_id": res.InsertedID}},
			RowCount:     1,
			RowsAffected: 1,
		}, nil

	case "updateMany":
		filter, err := ScopeFilter(q.Parameters["filter"], s.orgID)
		if err != nil {
			return nil, err
		}
		update, err := ScopeUpdate(q.Parameters["update"])
		if err != nil {
			return nil, err
		}
		res, err := coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return nil, err
		}
		return &base.Result{Rows: []map[string]interface{}{}, RowsAffected: res.ModifiedCount}, nil

	case "deleteMany":
		filter, err := ScopeFilter(q.Parameters["filter"], s.orgID)
		if err != nil {
			return nil, err
		}
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &base.Result{Rows: []map[string]interface{}{}, RowsAffected: res.DeletedCount}, nil
	}
	return nil, fmt.Errorf("%w: %s", base.ErrUnsupportedOperation, op)
}

func decodeCursor(ctx context.Context, cursor *mongo.Cursor) (*base.Result, error) {
	defer func() { _ = cursor.Close(ctx) }()
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, d)
	}
	return &base.Result{Rows: rows, RowCount: len(rows)}, nil
}

// ParseStatement splits "op:collection".
func ParseStatement(stmt string) (op, collection string, err error) {
	op, collection, ok := strings.Cut(strings.TrimSpace(stmt), ":")
	if !ok || op == "" || collection == "" {
		return "", "", fmt.Errorf("%w: statement %q must be <operation>:<collection>", base.ErrUnsupportedOperation, stmt)
	}
	return op, collection, nil
}

func toDocument(v interface{}) (bson.M, error) {
	switch d := v.(type) {
	case nil:
		return bson.M{}, nil
	case bson.M:
		out := make(bson.M, len(d))
		for k, val := range d {
			out[k] = val
		}
		return out, nil
	case map[string]interface{}:
		out := make(bson.M, len(d))
		for k, val := range d {
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: expected a document, got %T", base.ErrUnscopedQuery, v)
	}
}

// ScopeFilter adds the tenant clause to filter. A filter that already
// names a different tenant is rejected rather than silently narrowed.
func ScopeFilter(filter interface{}, orgID string) (bson.M, error) {
	doc, err := toDocument(filter)
	if err != nil {
		return nil, err
	}
	if existing, ok := doc[TenantField]; ok && existing != orgID {
		return nil, fmt.Errorf("%w: filter names another tenant", base.ErrUnscopedQuery)
	}
	for k := range doc {
		if k == "$where" || k == "$expr" {
			return nil, fmt.Errorf("%w: %s is not allowed in tenant filters", base.ErrUnscopedQuery, k)
		}
	}
	doc[TenantField] = orgID
	return doc, nil
}

// ScopePipeline prepends a $match on the tenant field.
func ScopePipeline(pipeline interface{}, orgID string) (bson.A, error) {
	var stages []interface{}
	switch p := pipeline.(type) {
	case nil:
	case []interface{}:
		stages = p
	case bson.A:
		stages = p
	case []bson.M:
		for _, st := range p {
			stages = append(stages, st)
		}
	case []map[string]interface{}:
		for _, st := range p {
			stages = append(stages, st)
		}
	default:
		return nil, fmt.Errorf("%w: expected a pipeline, got %T", base.ErrUnscopedQuery, pipeline)
	}
	for _, st := range stages {
		if _, err := toDocument(st); err != nil {
			return nil, err
		}
		if err := checkStages(st); err != nil {
			return nil, err
		}
	}
	out := bson.A{bson.M{"$match": bson.M{TenantField: orgID}}}
	return append(out, stages...), nil
}

// crossCollectionStages read or write collections other than the one the
// tenant $match guards.
var crossCollectionStages = map[string]bool{
	"$lookup":      true,
	"$unionWith":   true,
	"$graphLookup": true,
	"$out":         true,
	"$merge":       true,
}

// checkStages walks v at every depth, so stages nested in $facet
// sub-pipelines or expressions are caught too.
func checkStages(v interface{}) error {
	switch t := v.(type) {
	case bson.M:
		return checkKeys(t)
	case map[string]interface{}:
		return checkKeys(t)
	case bson.D:
		for _, e := range t {
			if crossCollectionStages[e.Key] {
				return fmt.Errorf("%w: stage %s can reach outside the tenant", base.ErrUnscopedQuery, e.Key)
			}
			if err := checkStages(e.Value); err != nil {
				return err
			}
		}
	case bson.A:
		return checkList(t)
	case []interface{}:
		return checkList(t)
	case []bson.M:
		for _, d := range t {
			if err := checkKeys(d); err != nil {
				return err
			}
		}
	case []map[string]interface{}:
		for _, d := range t {
			if err := checkKeys(d); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkKeys(doc map[string]interface{}) error {
	for k, val := range doc {
		if crossCollectionStages[k] {
			return fmt.Errorf("%w: stage %s can reach outside the tenant", base.ErrUnscopedQuery, k)
		}
		if err := checkStages(val); err != nil {
			return err
		}
	}
	return nil
}

func checkList(items []interface{}) error {
	for _, item := range items {
		if err := checkStages(item); err != nil {
			return err
		}
	}
	return nil
}

// ScopeDocument stamps doc with the tenant field.
func ScopeDocument(doc interface{}, orgID string) (bson.M, error) {
	d, err := toDocument(doc)
	if err != nil {
		return nil, err
	}
	if existing, ok := d[TenantField]; ok && existing != orgID {
		return nil, fmt.Errorf("%w: document belongs to another tenant", base.ErrUnscopedQuery)
	}
	d[TenantField] = orgID
	return d, nil
}

// ScopeUpdate rejects updates that would move a document to another tenant.
func ScopeUpdate(update interface{}) (bson.M, error) {
	u, err := toDocument(update)
	if err != nil {
		return nil, err
	}
	if len(u) == 0 {
		return nil, fmt.Errorf("%w: empty update", base.ErrUnsupportedOperation)
	}
	for op, body := range u {
		if !strings.HasPrefix(op, "$") {
			return nil, fmt.Errorf("%w: replacement updates are not allowed", base.ErrUnscopedQuery)
		}
		fields, err := toDocument(body)
		if err != nil {
			return nil, err
		}
		for path, val := range fields {
			if touchesTenantField(path) {
				return nil, fmt.Errorf("%w: %s may not change %s", base.ErrUnscopedQuery, op, TenantField)
			}
			// $rename values are target paths.
			if target, ok := val.(string); ok && op == "$rename" && touchesTenantField(target) {
				return nil, fmt.Errorf("%w: %s may not change %s", base.ErrUnscopedQuery, op, TenantField)
			}
		}
	}
	return u, nil
}

func touchesTenantField(path string) bool {
	return path == TenantField || strings.HasPrefix(path, TenantField+".")
}
