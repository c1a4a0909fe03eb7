/*
Package registry maps service identities to their live workers.

The registry is purely in-memory routing state. Register is create-only
and fails on a duplicate identity; Replace exists for the supervisor's
restart path, where the identity survives but the worker instance
changes; Unregister is idempotent. After a kernel restart the registry
starts empty and recovery repopulates it from the event log.
*/
package registry
