package config

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Context describes the platform runtime environment a process is running
// in, populated from the environment variables the platform injects into
// servers and job runs. Fields that are unset or malformed are left zero.
type Context struct {
	ProjectID uuid.UUID

	ServerID       uuid.UUID
	ServerName     string
	ServerCPUs     int
	ServerGPUs     int
	ServerMemoryMB int

	JobID        uuid.UUID
	JobName      string
	JobRunID     uuid.UUID
	JobRunNumber int
}

// CurrentContext reads the platform context from the environment.
func CurrentContext() Context {
	return Context{
		ProjectID:      envUUID("FACULTY_PROJECT_ID"),
		ServerID:       envUUID("FACULTY_SERVER_ID"),
		ServerName:     os.Getenv("FACULTY_SERVER_NAME"),
		ServerCPUs:     envInt("NUM_CPUS"),
		ServerGPUs:     envInt("NUM_GPUS"),
		ServerMemoryMB: envInt("AVAILABLE_MEMORY_MB"),
		JobID:          envUUID("FACULTY_JOB_ID"),
		JobName:        os.Getenv("FACULTY_JOB_NAME"),
		JobRunID:       envUUID("FACULTY_RUN_ID"),
		JobRunNumber:   envInt("FACULTY_RUN_NUMBER"),
	}
}

func envUUID(key string) uuid.UUID {
	id, err := uuid.Parse(os.Getenv(key))
	if err != nil {
		return uuid.Nil
	}

	return id
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}

	return n
}
