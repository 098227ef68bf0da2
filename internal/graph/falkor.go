package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/logging"
)

// FalkorConfig holds configuration for the FalkorDB backend.
type FalkorConfig struct {
	Host         string
	Port         int
	Password     string
	GraphName    string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultFalkorConfig returns default configuration.
func DefaultFalkorConfig() FalkorConfig {
	return FalkorConfig{
		Host:         "localhost",
		Port:         6379,
		Password:     "",
		GraphName:    "casetrace",
		MaxRetries:   3,
		DialTimeout:  30 * time.Second,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		PoolSize:     10,
	}
}

// FalkorBackend implements Backend on FalkorDB. Entities are stored as
// :Entity nodes keyed by id; free-form properties are carried as a JSON
// string in the props field because FalkorDB has no nested maps.
type FalkorBackend struct {
	config FalkorConfig
	logger *logging.Logger
	db     *falkordb.FalkorDB
	graph  *falkordb.Graph
}

// NewFalkorBackend creates a FalkorDB backend. Call Connect before use.
func NewFalkorBackend(config FalkorConfig) *FalkorBackend {
	return &FalkorBackend{
		config: config,
		logger: logging.GetLogger("graph.falkor"),
	}
}

// Connect establishes the connection and selects the graph.
func (f *FalkorBackend) Connect(ctx context.Context) error {
	f.logger.Info("Connecting to FalkorDB at %s:%d (graph: %s)", f.config.Host, f.config.Port, f.config.GraphName)

	db, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{
		Addr:         fmt.Sprintf("%s:%d", f.config.Host, f.config.Port),
		Password:     f.config.Password,
		DialTimeout:  f.config.DialTimeout,
		ReadTimeout:  f.config.ReadTimeout,
		WriteTimeout: f.config.WriteTimeout,
		PoolSize:     f.config.PoolSize,
		MaxRetries:   f.config.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create FalkorDB client: %w", err)
	}
	f.db = db
	f.graph = db.SelectGraph(f.config.GraphName)

	f.logger.Info("Successfully connected to FalkorDB")
	return nil
}

// Close closes the connection.
func (f *FalkorBackend) Close() error {
	f.logger.Info("Closing FalkorDB connection")
	if f.db != nil && f.db.Conn != nil {
		return f.db.Conn.Close()
	}
	return nil
}

// Ping checks the connection with a trivial query.
func (f *FalkorBackend) Ping(ctx context.Context) error {
	if f.graph == nil {
		return fmt.Errorf("backend not connected")
	}
	_, err := f.graph.Query("RETURN 1", nil, nil)
	return err
}

// InitializeSchema creates the indexes entity lookups depend on.
func (f *FalkorBackend) InitializeSchema(ctx context.Context) error {
	f.logger.Info("Initializing graph schema for graph: %s", f.config.GraphName)

	indexes := []string{
		"CREATE INDEX FOR (n:Entity) ON (n.id)",
		"CREATE INDEX FOR (n:Entity) ON (n.type)",
		"CREATE INDEX FOR (n:Entity) ON (n.name)",
	}
	for _, indexQuery := range indexes {
		if _, err := f.query(ctx, indexQuery); err != nil {
			// FalkorDB errors when the index already exists.
			f.logger.Warn("Failed to create index (may already exist): %v", err)
		}
	}

	f.logger.Info("Schema initialization complete")
	return nil
}

// DeleteGraph removes the entire graph. Test helper.
func (f *FalkorBackend) DeleteGraph(ctx context.Context) error {
	if f.graph == nil {
		return fmt.Errorf("backend not connected")
	}
	if err := f.graph.Delete(); err != nil {
		if strings.Contains(err.Error(), "empty key") {
			f.logger.Debug("Graph '%s' does not exist, nothing to delete", f.config.GraphName)
		} else {
			return fmt.Errorf("failed to delete graph: %w", err)
		}
	}
	f.graph = f.db.SelectGraph(f.config.GraphName)
	return nil
}

// AddEntity implements Backend.AddEntity via MERGE upsert.
func (f *FalkorBackend) AddEntity(ctx context.Context, entity domain.Entity) error {
	propsJSON, err := json.Marshal(entity.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal entity properties: %w", err)
	}

	cypher := fmt.Sprintf(
		"MERGE (n:Entity {id: '%s'}) SET n.name = '%s', n.type = '%s', n.source = '%s', n.confidence = %f, n.timestamp = %d, n.props = '%s'",
		escapeCypher(entity.ID),
		escapeCypher(entity.Name),
		escapeCypher(entity.Type),
		escapeCypher(entity.Source),
		entity.Confidence,
		entity.Timestamp.UnixNano(),
		escapeCypher(string(propsJSON)),
	)
	_, err = f.query(ctx, cypher)
	return err
}

// AddRelationship implements Backend.AddRelationship. Endpoints are checked
// first so a missing one surfaces as ErrMissingEndpoint rather than a silent
// zero-row MERGE.
func (f *FalkorBackend) AddRelationship(ctx context.Context, rel domain.Relationship) error {
	for _, endpoint := range []string{rel.SourceID, rel.TargetID} {
		if _, err := f.GetEntity(ctx, endpoint); err != nil {
			return MissingEndpointError(endpoint)
		}
	}

	propsJSON, err := json.Marshal(rel.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal relationship properties: %w", err)
	}

	cypher := fmt.Sprintf(
		"MATCH (a:Entity {id: '%s'}), (b:Entity {id: '%s'}) MERGE (a)-[r:%s {id: '%s'}]->(b) SET r.rel_type = '%s', r.confidence = %f, r.timestamp = %d, r.props = '%s'",
		escapeCypher(rel.SourceID),
		escapeCypher(rel.TargetID),
		sanitizeRelType(rel.Type),
		escapeCypher(rel.ID),
		escapeCypher(rel.Type),
		rel.Confidence,
		rel.Timestamp.UnixNano(),
		escapeCypher(string(propsJSON)),
	)
	_, err = f.query(ctx, cypher)
	return err
}

// GetEntity implements Backend.GetEntity.
func (f *FalkorBackend) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	rows, err := f.query(ctx, fmt.Sprintf("MATCH (n:Entity {id: '%s'}) RETURN n", escapeCypher(id)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, NotFoundError(id)
	}

	entity, err := entityFromValue(rows[0][0])
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// GetEntities implements Backend.GetEntities. Field filters are pushed into
// Cypher; dotted property filters are applied after the props JSON is
// decoded.
func (f *FalkorBackend) GetEntities(ctx context.Context, filters map[string]interface{}, limit int) ([]domain.Entity, error) {
	fieldFilters, propFilters := splitCriteria(filters)

	cypher := "MATCH (n:Entity)"
	if clause := whereClause(fieldFilters); clause != "" {
		cypher += " WHERE " + clause
	}
	cypher += " RETURN n ORDER BY n.id"
	// Property filters post-filter in memory, so the limit cannot be pushed
	// down when they are present.
	if limit > 0 && len(propFilters) == 0 {
		cypher += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := f.query(ctx, cypher)
	if err != nil {
		return nil, err
	}

	results := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		entity, err := entityFromValue(row[0])
		if err != nil {
			return nil, err
		}
		if !matchesProperties(entity, propFilters) {
			continue
		}
		results = append(results, entity)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// SearchEntities implements Backend.SearchEntities.
func (f *FalkorBackend) SearchEntities(ctx context.Context, criteria map[string]interface{}) ([]domain.Entity, error) {
	return f.GetEntities(ctx, criteria, 0)
}

// GetRelationships implements Backend.GetRelationships.
func (f *FalkorBackend) GetRelationships(ctx context.Context, entityID, relType string, limit int) ([]domain.Relationship, error) {
	conditions := make([]string, 0, 2)
	if entityID != "" {
		conditions = append(conditions, fmt.Sprintf("(a.id = '%s' OR b.id = '%s')", escapeCypher(entityID), escapeCypher(entityID)))
	}
	if relType != "" {
		conditions = append(conditions, fmt.Sprintf("r.rel_type = '%s'", escapeCypher(relType)))
	}

	cypher := "MATCH (a:Entity)-[r]->(b:Entity)"
	if len(conditions) > 0 {
		cypher += " WHERE " + strings.Join(conditions, " AND ")
	}
	cypher += " RETURN r, a.id, b.id ORDER BY r.id"
	if limit > 0 {
		cypher += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := f.query(ctx, cypher)
	if err != nil {
		return nil, err
	}

	results := make([]domain.Relationship, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		rel, err := relationshipFromValue(row[0], row[1], row[2])
		if err != nil {
			return nil, err
		}
		results = append(results, rel)
	}
	return results, nil
}

// GetNeighbors implements Backend.GetNeighbors.
func (f *FalkorBackend) GetNeighbors(ctx context.Context, entityID, relType string, direction Direction) ([]domain.Entity, error) {
	if _, err := f.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	if direction == "" {
		direction = DirectionBoth
	}

	var pattern string
	switch direction {
	case DirectionOut:
		pattern = "(n:Entity {id: '%s'})-[r]->(m:Entity)"
	case DirectionIn:
		pattern = "(n:Entity {id: '%s'})<-[r]-(m:Entity)"
	default:
		pattern = "(n:Entity {id: '%s'})-[r]-(m:Entity)"
	}

	cypher := fmt.Sprintf("MATCH "+pattern, escapeCypher(entityID))
	if relType != "" {
		cypher += fmt.Sprintf(" WHERE r.rel_type = '%s'", escapeCypher(relType))
	}
	cypher += " RETURN DISTINCT m ORDER BY m.id"

	rows, err := f.query(ctx, cypher)
	if err != nil {
		return nil, err
	}

	neighbors := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		entity, err := entityFromValue(row[0])
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, entity)
	}
	return neighbors, nil
}

// FindPath implements Backend.FindPath with a variable-length undirected
// match, shortest first.
func (f *FalkorBackend) FindPath(ctx context.Context, fromID, toID string, maxLength int) ([]domain.Entity, error) {
	from, err := f.GetEntity(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if _, err := f.GetEntity(ctx, toID); err != nil {
		return nil, err
	}
	if fromID == toID {
		return []domain.Entity{*from}, nil
	}

	bound := maxLength
	if bound <= 0 {
		bound = 15
	}

	cypher := fmt.Sprintf(
		"MATCH p = (a:Entity {id: '%s'})-[*..%d]-(b:Entity {id: '%s'}) RETURN nodes(p) ORDER BY length(p) ASC LIMIT 1",
		escapeCypher(fromID), bound, escapeCypher(toID),
	)
	rows, err := f.query(ctx, cypher)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, nil
	}

	nodeList, ok := rows[0][0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected path result type: %T", rows[0][0])
	}

	path := make([]domain.Entity, 0, len(nodeList))
	for _, nodeValue := range nodeList {
		entity, err := entityFromValue(nodeValue)
		if err != nil {
			return nil, err
		}
		path = append(path, entity)
	}
	return path, nil
}

// DeleteEntity implements Backend.DeleteEntity. DETACH DELETE cascades to
// relationships.
func (f *FalkorBackend) DeleteEntity(ctx context.Context, id string) error {
	if _, err := f.GetEntity(ctx, id); err != nil {
		return err
	}
	_, err := f.query(ctx, fmt.Sprintf("MATCH (n:Entity {id: '%s'}) DETACH DELETE n", escapeCypher(id)))
	return err
}

// GetSubgraph implements Backend.GetSubgraph.
func (f *FalkorBackend) GetSubgraph(ctx context.Context, seedIDs []string, maxDepth int) (*Subgraph, error) {
	sub := &Subgraph{
		Entities:      make([]domain.Entity, 0),
		Relationships: make([]domain.Relationship, 0),
	}
	if len(seedIDs) == 0 {
		return sub, nil
	}

	cypher := fmt.Sprintf(
		"MATCH (s:Entity)-[*0..%d]-(m:Entity) WHERE s.id IN %s RETURN DISTINCT m ORDER BY m.id",
		maxDepth, cypherStringList(seedIDs),
	)
	rows, err := f.query(ctx, cypher)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]bool)
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		entity, err := entityFromValue(row[0])
		if err != nil {
			return nil, err
		}
		covered[entity.ID] = true
		sub.Entities = append(sub.Entities, entity)
	}
	if len(covered) == 0 {
		return sub, nil
	}

	coveredIDs := make([]string, 0, len(covered))
	for id := range covered {
		coveredIDs = append(coveredIDs, id)
	}
	sort.Strings(coveredIDs)

	relCypher := fmt.Sprintf(
		"MATCH (a:Entity)-[r]->(b:Entity) WHERE a.id IN %s AND b.id IN %s RETURN r, a.id, b.id ORDER BY r.id",
		cypherStringList(coveredIDs), cypherStringList(coveredIDs),
	)
	relRows, err := f.query(ctx, relCypher)
	if err != nil {
		return nil, err
	}
	for _, row := range relRows {
		if len(row) < 3 {
			continue
		}
		rel, err := relationshipFromValue(row[0], row[1], row[2])
		if err != nil {
			return nil, err
		}
		sub.Relationships = append(sub.Relationships, rel)
	}
	return sub, nil
}

// ExecuteQuery implements Backend.ExecuteQuery for raw Cypher.
func (f *FalkorBackend) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if f.graph == nil {
		return nil, fmt.Errorf("backend not connected")
	}

	result, err := f.graph.Query(query, nil, f.queryOptions())
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	rows := make([]map[string]interface{}, 0)
	for result.Next() {
		record := result.Record()
		keys := record.Keys()
		values := record.Values()
		row := make(map[string]interface{}, len(keys))
		for i, key := range keys {
			if i < len(values) {
				row[key] = values[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// query runs a Cypher statement and returns raw value rows.
func (f *FalkorBackend) query(ctx context.Context, cypher string) ([][]interface{}, error) {
	if f.graph == nil {
		return nil, fmt.Errorf("backend not connected")
	}

	start := time.Now()
	result, err := f.graph.Query(cypher, nil, f.queryOptions())
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	f.logger.Debug("Query took %v: %s", time.Since(start), cypher)

	rows := make([][]interface{}, 0)
	for result.Next() {
		rows = append(rows, result.Record().Values())
	}
	return rows, nil
}

func (f *FalkorBackend) queryOptions() *falkordb.QueryOptions {
	if f.config.ReadTimeout <= 0 {
		return nil
	}
	// FalkorDB query timeouts are expressed in milliseconds.
	return falkordb.NewQueryOptions().SetTimeout(int(f.config.ReadTimeout.Milliseconds()))
}

// entityFromValue converts a falkordb node value into a domain entity.
func entityFromValue(value interface{}) (domain.Entity, error) {
	var props map[string]interface{}
	switch node := value.(type) {
	case falkordb.Node:
		props = node.Properties
	case *falkordb.Node:
		props = node.Properties
	case map[string]interface{}:
		props = node
	default:
		return domain.Entity{}, fmt.Errorf("unexpected node type: %T", value)
	}

	entity := domain.Entity{
		ID:         stringProp(props, "id"),
		Name:       stringProp(props, "name"),
		Type:       stringProp(props, "type"),
		Source:     stringProp(props, "source"),
		Confidence: floatProp(props, "confidence"),
	}
	if ts := intProp(props, "timestamp"); ts > 0 {
		entity.Timestamp = time.Unix(0, ts).UTC()
	}
	if raw := stringProp(props, "props"); raw != "" && raw != "null" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			entity.Properties = decoded
		}
	}
	return entity, nil
}

// relationshipFromValue converts a falkordb edge value plus its endpoint ids.
func relationshipFromValue(value, sourceID, targetID interface{}) (domain.Relationship, error) {
	var relName string
	var props map[string]interface{}
	switch edge := value.(type) {
	case falkordb.Edge:
		relName = edge.Relation
		props = edge.Properties
	case *falkordb.Edge:
		relName = edge.Relation
		props = edge.Properties
	default:
		return domain.Relationship{}, fmt.Errorf("unexpected edge type: %T", value)
	}

	rel := domain.Relationship{
		ID:         stringProp(props, "id"),
		Type:       stringProp(props, "rel_type"),
		Confidence: floatProp(props, "confidence"),
	}
	if rel.Type == "" {
		rel.Type = relName
	}
	if src, ok := sourceID.(string); ok {
		rel.SourceID = src
	}
	if tgt, ok := targetID.(string); ok {
		rel.TargetID = tgt
	}
	if ts := intProp(props, "timestamp"); ts > 0 {
		rel.Timestamp = time.Unix(0, ts).UTC()
	}
	if raw := stringProp(props, "props"); raw != "" && raw != "null" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			rel.Properties = decoded
		}
	}
	return rel, nil
}

// splitCriteria separates field criteria from dotted property criteria.
func splitCriteria(criteria map[string]interface{}) (fields, props map[string]interface{}) {
	fields = make(map[string]interface{})
	props = make(map[string]interface{})
	for key, value := range criteria {
		switch key {
		case "id", "name", "type", "source":
			fields[key] = value
		default:
			props[strings.TrimPrefix(key, "properties.")] = value
		}
	}
	return fields, props
}

func matchesProperties(entity domain.Entity, props map[string]interface{}) bool {
	for key, want := range props {
		if entity.Properties == nil {
			return false
		}
		got, ok := entity.Properties[key]
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

func whereClause(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("n.%s = '%s'", key, escapeCypher(fmt.Sprintf("%v", fields[key]))))
	}
	return strings.Join(parts, " AND ")
}

func cypherStringList(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = fmt.Sprintf("'%s'", escapeCypher(v))
	}
	return "[" + strings.Join(escaped, ", ") + "]"
}

// sanitizeRelType uppercases a relationship type and strips characters that
// are not legal in a Cypher relationship label.
func sanitizeRelType(relType string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(relType) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "RELATED_TO"
	}
	return b.String()
}

// escapeCypher escapes single quotes in Cypher string literals.
func escapeCypher(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func stringProp(props map[string]interface{}, key string) string {
	if val, ok := props[key].(string); ok {
		return val
	}
	return ""
}

func intProp(props map[string]interface{}, key string) int64 {
	switch val := props[key].(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func floatProp(props map[string]interface{}, key string) float64 {
	switch val := props[key].(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	default:
		return 0
	}
}
