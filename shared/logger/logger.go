// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging scoped to one gateway component
type Logger struct {
	Component  string
	InstanceID string
}

// LogEntry is the JSON shape written for every log line
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	UserID     string                 `json:"user_id,omitempty"`
	QueryID    string                 `json:"query_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, userID, queryID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		UserID:     userID,
		QueryID:    queryID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(userID, queryID, message string, fields map[string]interface{}) {
	l.Log(INFO, userID, queryID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(userID, queryID, message string, fields map[string]interface{}) {
	l.Log(ERROR, userID, queryID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(userID, queryID, message string, fields map[string]interface{}) {
	l.Log(WARN, userID, queryID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(userID, queryID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, userID, queryID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (l *Logger) InfoWithDuration(userID, queryID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(userID, queryID, message, fields)
}

// ErrorWithErr logs an error message carrying the error string as a field
func (l *Logger) ErrorWithErr(userID, queryID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(userID, queryID, message, fields)
}
