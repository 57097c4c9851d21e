//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

// result converts a bridge result into a C string, or nil with the error
// recorded for GetLastError.
func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func status(err error) int32 {
	setLastError(err)
	if err != nil {
		return 1
	}
	return 0
}

//export Init
// Init opens the store under dataDir and starts the sync core. configPath may
// be empty. Returns 0 on success.
func Init(dataDir, configPath *C.char) int32 {
	return status(core.init(C.GoString(dataDir), C.GoString(configPath)))
}

//export Cleanup
// Cleanup stops the core and closes the store.
func Cleanup() int32 {
	return status(core.shutdown())
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export QueueAction
// QueueAction queues {"id","type","action","data"} and returns {"syncId"}.
func QueueAction(request *C.char) *C.char {
	return result(core.queueAction(C.GoString(request)))
}

//export SyncNow
func SyncNow() *C.char {
	return result(core.syncNow())
}

//export GetSyncStatus
func GetSyncStatus() *C.char {
	return result(core.syncStatus())
}

//export SetOnline
// SetOnline reports reachability from the platform network monitor.
func SetOnline(online int32) int32 {
	return status(core.setOnline(online != 0))
}

//export GetOfflineData
// GetOfflineData returns cached entities of a type, or one entity when id is
// non-empty.
func GetOfflineData(entityType, id *C.char) *C.char {
	return result(core.offlineData(C.GoString(entityType), C.GoString(id)))
}

//export PollEvents
// PollEvents drains sync events buffered since the last call.
func PollEvents() *C.char {
	return result(core.pollEvents())
}

//export ClearSyncedData
func ClearSyncedData() *C.char {
	return result(core.clearSyncedData())
}

//export GetDeadLetters
func GetDeadLetters() *C.char {
	return result(core.deadLetters())
}

//export GetMetrics
// GetMetrics returns local sync counters since Init.
func GetMetrics() *C.char {
	return result(core.metrics())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
