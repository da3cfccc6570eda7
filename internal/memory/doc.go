// Package memory configures Go's soft memory limit for the agent when it
// runs in a container.
//
// GOMAXPROCS follows cgroup CPU limits automatically but GOMEMLIMIT does not.
// Call [ConfigureFromEnv] at the top of main:
//
//	res := memory.ConfigureFromEnv()
//	startup.LogMemoryConfig(res, cfg.Concurrency)
//
// # Environment Variables
//
//   - GOMEMLIMIT: Standard Go variable. Takes precedence over everything else.
//   - MEMORY_LIMIT: Container limit in bytes, usually from the Downward API.
//   - MEMORY_RATIO: Share of MEMORY_LIMIT for the Go heap (default 0.25).
//
// The default ratio is low on purpose: encoder processes run outside the Go
// heap and need most of the container. [ConfigResult.EncoderBudget] reports
// what each of them can expect.
//
// # Kubernetes
//
//	env:
//	  - name: MEMORY_LIMIT
//	    valueFrom:
//	      resourceFieldRef:
//	        resource: limits.memory
package memory
