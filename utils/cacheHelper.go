package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
)

// Two-tier read cache: redis is the volatile tier, the caller's loader is the
// durable fallback. A redis miss (or redis being down: the config helpers
// no-op on a nil client) falls through to the loader and repopulates.

// per-category cache lifespans
//
// Env:
//   - CACHE_LIFESPAN_HOURS (default 1) for slow-moving reference data
//   - CACHE_LIFESPAN_SHORT_MINUTES (default 5) for aggregates recomputed each cycle
func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_HOURS"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetShortCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_SHORT_MINUTES"))
	if err != nil || lifespan <= 0 {
		lifespan = 5
	}
	return time.Duration(lifespan) * time.Minute
}

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

// types whose cached entries expire on the slow lifespan;
// everything else uses the short one
func typeHasLongLifespan(typeName string) bool {
	longLived := map[string]bool{
		"Product":        true,
		"CommissionRate": true,
	}
	return longLived[typeName]
}

func cacheDuration[T any]() time.Duration {
	if typeHasLongLifespan(GetTypeName[T]()) {
		return GetCacheLifespan()
	}
	return GetShortCacheLifespan()
}

// store one instance, Type:$cabinetId:$id
func StoreRedis[T any](obj any, cabinetId uint, id string) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(cabinetId) + ":" + id
	return config.SetRedisObject(key, &obj, cacheDuration[T]())
}

// store a cabinet-scoped list, TypeList:$cabinetId
func StoreRedisList[T any](obj any, cabinetId uint) error {
	key := GetTypeName[T]() + "List:" + fmt.Sprint(cabinetId)
	return config.SetRedisObject(key, &obj, cacheDuration[T]())
}

// returns nil if does not exist
func RetrieveRedis[T any](cabinetId uint, id string) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + fmt.Sprint(cabinetId) + ":" + id
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

func RetrieveRedisList[T any](cabinetId uint) ([]*T, error) {
	key := GetTypeName[T]() + "List:" + fmt.Sprint(cabinetId)
	var result []*T
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// clear list, TypeList:$cabinetId
func RemoveRedisList[T any](cabinetId uint) error {
	var key string = GetTypeName[T]() + "List:" + fmt.Sprint(cabinetId)
	return config.RemoveRedisKey(key)
}

func RemoveRedisItem[T any](cabinetId uint, id string) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(cabinetId) + ":" + id
	return config.RemoveRedisKey(key)
}

// CachedList reads through the two tiers: redis first, loader on miss,
// repopulating redis with the loaded rows. Loader errors are returned as-is;
// cache write errors are swallowed since the read already succeeded.
func CachedList[T any](cabinetId uint, loader func() ([]*T, error)) ([]*T, error) {
	cached, err := RetrieveRedisList[T](cabinetId)
	if err == nil && cached != nil {
		return cached, nil
	}
	rows, err := loader()
	if err != nil {
		return nil, err
	}
	_ = StoreRedisList[T](rows, cabinetId)
	return rows, nil
}
