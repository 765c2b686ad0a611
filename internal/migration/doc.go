// Package migration carries batches from the version one download database
// into the persistence store.
//
// A run removes unlinked legacy data, extracts one Migration per legacy batch,
// copies each batch's files into the new storage root, persists the batch and
// file records in one transaction and finally deletes the legacy database.
// Every phase change is reported to a ProgressSink.
//
// Example:
//
//	ls, err := legacy.Open(ctx, legacyPath, logger)
//	if errors.Is(err, model.ErrLegacyStoreMissing) {
//	    return nil // nothing to migrate
//	}
//	m := migration.NewFromLegacy(ls, legacyFilesDir, root, persistence, sink, logger)
//	err = m.Migrate(ctx)
package migration
