package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
	"github.com/contavoto/fieldsync/internal/sync"
)

// This example pushes one Form created offline once the device is online.
func ExampleOrchestrator_SyncOnce() {
	ctx := context.Background()

	db, err := store.Open(":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	form := &schema.Form{
		Title:  "Water access",
		Fields: []schema.Field{{ID: "source", Type: schema.FieldText, Label: "Source"}},
	}
	if _, err := db.CreateForm(ctx, form); err != nil {
		log.Fatal(err)
	}

	signal := connectivity.NewManual(false)
	orch := sync.New(sync.Config{
		Store:  db,
		Remote: remote.NewMemory(remote.MemoryConfig{}),
		Signal: signal,
		Logger: log.New(io.Discard, "", 0),
	})

	fmt.Println(orch.SyncOnce(ctx).Reason)

	signal.SetOnline(true)
	res := orch.SyncOnce(ctx)
	fmt.Println(res.Success, res.Report.OK())
	// Output:
	// offline
	// true 1
}
