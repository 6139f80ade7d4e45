package config

type WorkerKeyStruct struct {
	PersistProctoringQueue string
	PersistResultsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistProctoringQueue: "persist_proctoring_queue",
	PersistResultsQueue:    "persist_results_queue",
}
