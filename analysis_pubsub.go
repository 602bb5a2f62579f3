package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/utils"
	"github.com/veridiahq/aegis_backend/workflow"
)

var (
	orgMutexMap = make(map[string]*sync.Mutex)
	globalMutex = &sync.Mutex{}
)

// RunAnalysisSubscriber consumes published analysis jobs from Pub/Sub and
// drives them through the orchestrator. Delivery is at-least-once; the
// orchestrator dedupes through DB idempotency keys, and per-organization
// mutexes keep a single instance from interleaving one tenant's jobs.
func RunAnalysisSubscriber(orch *workflow.Orchestrator) error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.AnalysisJobMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "analysis_pubsub.go", "RunAnalysisSubscriber", "Unmarshaling pubsub message", msg.Data, err)
			msg.Ack()
			return
		}

		// Get or create the mutex for the current OrganizationId
		globalMutex.Lock()
		mutex, exists := orgMutexMap[m.OrganizationId]
		if !exists {
			mutex = &sync.Mutex{}
			orgMutexMap[m.OrganizationId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		db := config.GetDB()
		markJobProcessing(ctx, db, m.ID)

		procCtx := utils.SetOrganizationIdInContext(ctx, m.OrganizationId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")
		procCtx = utils.SetCorrelationIdInContext(procCtx, m.CorrelationId)

		outcome := orch.Process(procCtx, m)
		switch outcome.State {
		case workflow.OutcomeSucceeded:
			markJobSuccess(ctx, db, logger, m.ID, m.OrganizationId)
			msg.Ack()
		case workflow.OutcomePending:
			// Attempt spent; the direct processor or a redelivery picks the
			// job up again after the backoff.
			dead := markJobAttemptSpent(ctx, db, logger, m.ID, false, outcome.Reason)
			if dead {
				msg.Ack()
			} else {
				msg.Nack()
			}
		default:
			reason := outcome.Reason
			if outcome.Err != nil {
				reason = outcome.Err.Error()
			}
			logger.WithFields(logrus.Fields{
				"field":              "AnalysisSubscriber",
				"organization_id":    m.OrganizationId,
				"audit_log_entry_id": m.AuditLogEntryId,
				"record_id":          m.ID,
				"message_id":         msg.ID,
			}).Error("pubsub processing failed: " + reason)
			dead := markJobAttemptSpent(ctx, db, logger, m.ID, true, reason)
			if dead {
				// Terminal; redelivery would be wasted work.
				msg.Ack()
			} else {
				msg.Nack()
			}
		}
	}

	go func() {
		err := sub.Receive(ctx, callback)
		if err != nil {
			config.LogError(logger, "analysis_pubsub.go", "RunAnalysisSubscriber", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}
