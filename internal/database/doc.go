/*
Package database opens the gorm connection behind the sql checkpoint store.

Open picks a dialector from Config.Driver (postgres, mysql, sqlite via the
pure-Go glebarez driver, or sqlite3 via the cgo driver), tunes the
database/sql pool and returns a DB. DB.TxRetry reruns a transaction when
Transient classifies its error as a deadlock, serialization failure, lock
timeout or dropped connection.
*/
package database
