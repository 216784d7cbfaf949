package statusstore

// sqliteSchema and mysqlSchema both create the status_records table that
// backs the Status Store Adapter (spec §3, §4.5). The watermark column
// makes the watermark persistence spec §9 flags as a required feature
// (rather than the teacher's TODO) concrete: one row per mailbox, upserted
// idempotently alongside its connection-lifecycle status.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS status_records (
    mailbox_id           TEXT PRIMARY KEY,
    state                TEXT NOT NULL DEFAULT 'connecting',
    last_connected_at    DATETIME,
    last_disconnected_at DATETIME,
    last_error_at        DATETIME,
    last_error           TEXT,
    attempt_count        INTEGER NOT NULL DEFAULT 0,
    success_count        INTEGER NOT NULL DEFAULT 0,
    failure_count        INTEGER NOT NULL DEFAULT 0,
    messages_processed   INTEGER NOT NULL DEFAULT 0,
    next_reconnect_at    DATETIME,
    active               INTEGER NOT NULL DEFAULT 1,
    watermark            INTEGER NOT NULL DEFAULT 0,
    updated_at           DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_status_records_state ON status_records(state);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS status_records (
    mailbox_id           VARCHAR(191) PRIMARY KEY,
    state                VARCHAR(32) NOT NULL DEFAULT 'connecting',
    last_connected_at    DATETIME NULL,
    last_disconnected_at DATETIME NULL,
    last_error_at        DATETIME NULL,
    last_error           TEXT,
    attempt_count        BIGINT NOT NULL DEFAULT 0,
    success_count        BIGINT NOT NULL DEFAULT 0,
    failure_count        BIGINT NOT NULL DEFAULT 0,
    messages_processed   BIGINT NOT NULL DEFAULT 0,
    next_reconnect_at    DATETIME NULL,
    active               TINYINT(1) NOT NULL DEFAULT 1,
    watermark            BIGINT UNSIGNED NOT NULL DEFAULT 0,
    updated_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_status_records_state (state)
);
`
