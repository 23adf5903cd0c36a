// Package testing provides a conformance suite every store.IStore implementation
// must pass. Implementations call RunStoreTests from their own tests:
//
//	func TestLocalStore(t *testing.T) {
//	    storetesting.RunStoreTests(t, "lstore", func(t *testing.T) store.IStore {
//	        return lstore.NewLocalStore()
//	    })
//	}
//
// Transactional tests are skipped for stores that do not implement
// store.ITransactionalStore.
package testing
