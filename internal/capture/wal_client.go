package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/change"
)

const outputPlugin = "pgoutput"

// walClient speaks the streaming replication protocol for one slot and turns
// decoded logical messages into Recorder calls.
type walClient struct {
	config    *WALConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	recorder  Recorder
	log       zerolog.Logger
}

func newWALClient(config *WALConfig, recorder Recorder, log zerolog.Logger) *walClient {
	return &walClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		recorder:  recorder,
		log:       log,
	}
}

func (c *walClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, c.config.ReplicationConnString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *walClient) CreateSlotIfNotExists(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		c.conn,
		c.config.SlotName,
		outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil {
		// 42710: slot already exists from a previous run.
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	c.log.Info().Str("slot", result.SlotName).Str("lsn", result.ConsistentPoint).Msg("created replication slot")
	return nil
}

func (c *walClient) StartReplication(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", c.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		c.conn,
		c.config.SlotName,
		0,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments},
	)
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return nil
}

func (c *walClient) ReceiveMessage(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg, err := c.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return c.handleCopyData(msg.Data)
	default:
		return nil
	}
}

func (c *walClient) handleCopyData(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return c.handleKeepalive(data[1:])
	case pglogrepl.XLogDataByteID:
		return c.handleXLogData(data[1:])
	}

	return nil
}

func (c *walClient) handleKeepalive(data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return c.sendStandbyStatusUpdate(context.Background(), pkm.ServerWALEnd)
	}

	return nil
}

func (c *walClient) handleXLogData(data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	return c.processWALData(xld.WALData)
}

func (c *walClient) processWALData(walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		c.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
		}
		values := tupleToMap(rel, msg.Tuple)
		c.recorder.OnMutation(rel.RelationName, change.OperationInsert, extractPrimaryKey(rel, values), values)

	case *pglogrepl.UpdateMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
		}
		values := tupleToMap(rel, msg.NewTuple)
		c.recorder.OnMutation(rel.RelationName, change.OperationUpdate, extractPrimaryKey(rel, values), values)

	case *pglogrepl.DeleteMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
		}
		var values map[string]interface{}
		if msg.OldTuple != nil {
			values = tupleToMap(rel, msg.OldTuple)
		}
		c.recorder.OnMutation(rel.RelationName, change.OperationDelete, extractPrimaryKey(rel, values), nil)
	}

	return nil
}

func (c *walClient) sendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	})
}

func (c *walClient) Close(ctx context.Context) error {
	if c.conn != nil {
		return c.conn.Close(ctx)
	}
	return nil
}

func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	values := make(map[string]interface{})
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		colName := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[colName] = nil
		case 't':
			values[colName] = string(col.Data)
		}
	}

	return values
}

func extractPrimaryKey(rel *pglogrepl.RelationMessage, values map[string]interface{}) map[string]interface{} {
	pk := make(map[string]interface{})

	for _, col := range rel.Columns {
		if col.Flags == 1 {
			if val, ok := values[col.Name]; ok {
				pk[col.Name] = val
			}
		}
	}

	return pk
}
