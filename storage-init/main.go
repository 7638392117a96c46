// Command storage-init provisions the position table, the task lifecycle
// queue and, for the sqlite backend, the local schema.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"board-hub/config"
	"board-hub/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	if os.Getenv("STORE_BACKEND") == config.BackendSQLite {
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "board-hub.db"
		}
		store, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		_ = store.Close()
		log.Infof("sqlite schema ready in %s", path)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Info("no STORAGE_CONNECTION_STRING, skipping table and queue setup")
		return
	}
	if err := createTables(ctx, connStr, []string{os.Getenv("POSITIONS_TABLE")}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, connStr, []string{os.Getenv("TASK_EVENTS_QUEUE")}); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.Debugf("table %s ready", name)
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.Debugf("queue %s ready", name)
	}
	return nil
}
