// Package catalogue persists the hub's sensor registrations and health
// transition history in SQLite.
//
// The catalogue is a record, not a source of truth: the sensor.Manager owns
// live state and the catalogue is fed asynchronously through a Recorder,
// which implements sensor.Observer. A slow disk therefore never stalls
// registration or supervision. When the recorder's queue is full, events
// are dropped and counted.
//
//	repo := catalogue.NewSQLiteRepository(db.DB)
//	rec := catalogue.NewRecorder(repo, 256)
//	go rec.Run(ctx)
//	mgr.SetObserver(rec)
//
// Samples are never written here.
package catalogue
