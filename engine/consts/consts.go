package consts

import "time"

// Tunable Options
const (
	// DEFAULT_CONFIG_FILE is the config file used when none is given on the command line
	DEFAULT_CONFIG_FILE = "cellworld.ini"

	// For Storage
	// STORAGE_COMPRESS_THRESHOLD is the minimal blob size that is zstd compressed before storing
	STORAGE_COMPRESS_THRESHOLD = 1024
	// STORAGE_SAVE_RETRY_INTERVAL is the wait before a failed background save is retried
	STORAGE_SAVE_RETRY_INTERVAL = time.Second
	// STORAGE_SAVE_QUEUE_WARN_LEN is the save queue length that starts producing warnings
	STORAGE_SAVE_QUEUE_WARN_LEN = 100

	// For Transport
	// CLIENT_OUTBOUND_QUEUE_SIZE is the max number of messages queued for one client
	CLIENT_OUTBOUND_QUEUE_SIZE = 1024
	// CLIENT_HANDSHAKE_TIMEOUT is the time a new connection has to send its Hello
	CLIENT_HANDSHAKE_TIMEOUT = time.Second * 10

	// For Cell Server
	// CELLSERVER_TICK_INTERVAL is the tick interval of the cell server timers
	CELLSERVER_TICK_INTERVAL = time.Millisecond * 10
	// DEFAULT_RECONCILE_INTERVAL is the interval between reconciliation runs
	DEFAULT_RECONCILE_INTERVAL = time.Minute
	// DEFAULT_SAVE_INTERVAL is the interval between full world saves
	DEFAULT_SAVE_INTERVAL = time.Minute * 5
	// PROCESS_STATS_INTERVAL is the interval between cpu & memory samples of the process
	PROCESS_STATS_INTERVAL = time.Second * 5

	// For Movable
	// DEFAULT_MOVE_BROADCAST_INTERVAL is the minimum interval between Moved broadcasts of one cell
	DEFAULT_MOVE_BROADCAST_INTERVAL = time.Millisecond * 50

	// For Proximity
	// DEFAULT_PROXIMITY_DISTANCE is the default proximity radius of a cell
	DEFAULT_PROXIMITY_DISTANCE = 100

	// For Async Jobs
	// ASYNC_JOB_QUEUE_MAXLEN is the max number of jobs queued per async group
	ASYNC_JOB_QUEUE_MAXLEN = 10000
	// ASYNC_JOB_WARN_THRESHOLD is the job duration that produces a slow operation warning
	ASYNC_JOB_WARN_THRESHOLD = time.Second * 5
)

// Debug Options
const (
	// DEBUG_PACKETS prints message send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_SAVE_LOAD prints save & load debug logs
	DEBUG_SAVE_LOAD = false
	// DEBUG_CLIENTS prints clients operation debug logs
	DEBUG_CLIENTS = false
	// DEBUG_RECONCILE prints reconciliation debug logs
	DEBUG_RECONCILE = false
)
