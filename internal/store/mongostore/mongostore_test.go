package mongostore_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/ledger/ledgertest"
	"github.com/roach88/timeledger/internal/store/mongostore"
)

var dbSeq atomic.Int64

// TestStore_Conformance needs a replica set, e.g.
// TIMELEDGER_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestStore_Conformance(t *testing.T) {
	uri := os.Getenv("TIMELEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TIMELEDGER_TEST_MONGO_URI not set")
	}

	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		name := fmt.Sprintf("timeledger_test_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
		s, err := mongostore.Open(ctx, uri, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
