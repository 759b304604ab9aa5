// Package storage keeps the audit journal: one record per task lifecycle
// event (submitted, executed, failed, cancelled), for operators answering
// "did my reminder go out?" after the fact.
package storage
