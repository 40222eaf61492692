// Package cache is a best-effort key/value cache over a shared Redis tier.
//
// Every remote call goes through one circuit breaker taken from the shared
// Registry. Store errors, decode errors and open-breaker rejections never
// reach the caller: reads return the caller's default, writes return false,
// deletes return 0. Keys are stored as {prefix}{key}; tags are Redis sets
// stored as {prefix}tag:{tag} holding the prefixed member keys.
package cache
