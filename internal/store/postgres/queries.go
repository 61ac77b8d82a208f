package postgres

// Sessions

const queryInsertSession = `
INSERT INTO sessions (id, tenant_id, state, last_active, auto_reconnect, manually_disconnected, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const sessionColumns = `id, tenant_id, state, last_active, auto_reconnect, manually_disconnected, created_at, updated_at`

const queryGetSession = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1
`

const queryUpdateSessionState = `
UPDATE sessions
SET state = $2,
    manually_disconnected = $3,
    updated_at = $4,
    last_active = CASE WHEN $2 = 'connected' THEN $4 ELSE last_active END
WHERE id = $1
`

const queryListResumableSessions = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE auto_reconnect
  AND NOT manually_disconnected
  AND state IN ('connected', 'connecting')
ORDER BY id
`

const queryDeleteSession = `
WITH deleted_dead_letters AS (
    DELETE FROM dead_letters
    WHERE job_id IN (SELECT id FROM delivery_jobs WHERE session_id = $1)
),
deleted_jobs AS (
    DELETE FROM delivery_jobs WHERE session_id = $1
),
deleted_messages AS (
    DELETE FROM messages WHERE session_id = $1
),
deleted_credentials AS (
    DELETE FROM session_credentials WHERE session_id = $1
)
DELETE FROM sessions WHERE id = $1
RETURNING id`

const queryClearCredentials = `
DELETE FROM session_credentials WHERE session_id = $1
`

const queryInsertMessage = `
INSERT INTO messages (session_id, id, tenant_id, peer, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, id) DO NOTHING
`

// Delivery jobs

const jobColumns = `id, tenant_id, session_id, recipient, payload, priority, attempts, max_attempts,
    state, last_error, result, next_run_at, created_at, updated_at`

const queryInsertJob = `
INSERT INTO delivery_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryClaimJob = `
WITH next AS (
    SELECT id FROM delivery_jobs
    WHERE state = 'queued'
      AND next_run_at <= $1
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE delivery_jobs j
SET state = 'active', updated_at = $1
FROM next
WHERE j.id = next.id
RETURNING j.id, j.tenant_id, j.session_id, j.recipient, j.payload, j.priority, j.attempts, j.max_attempts,
    j.state, j.last_error, j.result, j.next_run_at, j.created_at, j.updated_at
`

const queryCompleteJob = `
UPDATE delivery_jobs
SET state = 'completed', attempts = $2, result = $3, last_error = '', updated_at = $4
WHERE id = $1
  AND state NOT IN ('completed', 'dead')
`

const queryRetryJob = `
UPDATE delivery_jobs
SET state = 'queued', attempts = $2, last_error = $3, next_run_at = $4, updated_at = $5
WHERE id = $1
  AND state NOT IN ('completed', 'dead')
`

const queryMarkJobDead = `
UPDATE delivery_jobs
SET state = 'dead', attempts = $2, last_error = $3, updated_at = $4
WHERE id = $1
  AND state NOT IN ('completed', 'dead')
`

const queryInsertDeadLetter = `
INSERT INTO dead_letters (id, job_id, job, error, stack, failed_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM delivery_jobs
WHERE id = $1
`

const queryGetJobState = `
SELECT state FROM delivery_jobs WHERE id = $1
`

const queryJobStats = `
SELECT
    COUNT(*) FILTER (WHERE state = 'queued'),
    COUNT(*) FILTER (WHERE state = 'active'),
    (SELECT COUNT(*) FROM dead_letters)
FROM delivery_jobs
`

const queryListDeadLetters = `
SELECT id, job, error, stack, failed_at
FROM dead_letters
ORDER BY failed_at DESC
LIMIT $1
`

const queryDeleteDeadLetter = `
DELETE FROM dead_letters WHERE id = $1 RETURNING job_id
`

const queryRequeueJob = `
UPDATE delivery_jobs
SET state = 'queued', attempts = 0, last_error = '', next_run_at = $2, updated_at = $2
WHERE id = $1
RETURNING ` + jobColumns

const queryRequeueStaleJobs = `
UPDATE delivery_jobs
SET state = 'queued'
WHERE state = 'active'
  AND updated_at < $1
`

// Webhooks

const webhookColumns = `id, tenant_id, url, secret, events, transport, active, timeout_ms`

const queryActiveWebhooks = `
SELECT ` + webhookColumns + `
FROM webhooks
WHERE tenant_id = $1
  AND active
  AND (cardinality(events) = 0 OR $2 = ANY(events) OR '*' = ANY(events))
ORDER BY url
`

const queryGetWebhook = `
SELECT ` + webhookColumns + `
FROM webhooks
WHERE id = $1
`

const deliveryColumns = `id, webhook_id, tenant_id, event, payload, status, attempts, next_attempt_at,
    response_status, response_body, last_error, created_at, updated_at`

const queryInsertDelivery = `
INSERT INTO webhook_deliveries (` + deliveryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

const queryUpdateDelivery = `
UPDATE webhook_deliveries
SET status = $2, attempts = $3, next_attempt_at = $4, response_status = $5,
    response_body = $6, last_error = $7, updated_at = $8
WHERE id = $1
  AND status <> 'success'
`

const queryGetDelivery = `
SELECT ` + deliveryColumns + `
FROM webhook_deliveries
WHERE id = $1
`

const queryClaimDueDeliveries = `
WITH due AS (
    SELECT id FROM webhook_deliveries
    WHERE status IN ('pending', 'failed')
      AND next_attempt_at <= $1
      AND created_at >= $2
    ORDER BY next_attempt_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE webhook_deliveries d
SET next_attempt_at = $3
FROM due
WHERE d.id = due.id
RETURNING d.id, d.webhook_id, d.tenant_id, d.event, d.payload, d.status, d.attempts, d.next_attempt_at,
    d.response_status, d.response_body, d.last_error, d.created_at, d.updated_at
`

const queryPurgeDeliveries = `
DELETE FROM webhook_deliveries WHERE created_at < $1
`
