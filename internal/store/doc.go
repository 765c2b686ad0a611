// Package store is the durable record store for batches and their files.
//
// Callers depend on the Persistence interface. Every mutation happens inside
// a scoped transaction, and nothing is visible until Success is called and
// End commits:
//
//	err := store.RunInTx(ctx, p, func(w store.Writer) error {
//	    if err := w.PersistBatch(ctx, batchRecord); err != nil {
//	        return err
//	    }
//	    return w.PersistFile(ctx, fileRecord)
//	})
//
// SQLite is the only backend. The schema lives in migrations/ and is applied
// with golang-migrate when the database is opened.
package store
