package printerworker

import "github.com/maydaying/conveyor/internal/registry"

// RegistryHandle adapts a Worker to registry.PrinterHandle: the registry's
// PrintJob and the worker's own Item carry the same fields but are
// distinct types, so AppendPrinter needs this thin translation rather than
// a direct method on Worker.
type RegistryHandle struct {
	*Worker
}

// Enqueue satisfies registry.PrinterHandle.
func (h RegistryHandle) Enqueue(job registry.PrintJob) {
	h.Worker.Enqueue(Item{
		Task:         job.Task,
		ToolpathPath: job.ToolpathPath,
		Profile:      job.Profile,
		Material:     job.Material,
	})
}
