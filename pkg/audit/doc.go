// Package audit persists audit events into per-topic flat-file logs and reads
// them back. Each topic has a fixed column layout derived from its schema;
// events are projected onto rows on publish and reassembled into documents on
// query. Logs can be made tamper-evident with chained HMACs and periodic
// signature rows.
//
// Usage:
//
//	svc := audit.NewService(logger)
//	err := svc.Configure(cfg.Handler, catalog)
//	_, err = svc.Publish(ctx, "access", audit.Document{"_id": "1", "userId": "alice"})
//	res, err := svc.Read(ctx, "access", "1")
//	defer svc.Close()
package audit
