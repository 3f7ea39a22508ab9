package metadata

/** @brief Describes a type of job */
type JobType int

const (
	/**
	 * @brief A general job that does not have any specific thread requirements.
	 */
	JOB_TYPE_GENERAL JobType = 0x02
	/**
	 * @brief A resource loading job, e.g. reading a scene manifest and uploading its buffers.
	 */
	JOB_TYPE_RESOURCE_LOAD JobType = 0x04
	/**
	 * @brief A job creating GPU resources from a worker thread.
	 */
	JOB_TYPE_GPU_RESOURCE JobType = 0x08
)

func (t JobType) String() string {
	switch t {
	case JOB_TYPE_GENERAL:
		return "general"
	case JOB_TYPE_RESOURCE_LOAD:
		return "resource_load"
	case JOB_TYPE_GPU_RESOURCE:
		return "gpu_resource"
	default:
		return "unknown"
	}
}

/** @brief Entry point of a job. The returned value is handed to OnComplete. */
type JobStart func() (interface{}, error)

/** @brief Invoked with the entry point result when the job succeeds. */
type JobOnComplete func(result interface{})

/** @brief Invoked with the entry point error when the job fails. */
type JobOnFailure func(err error)

/**
 * @brief Describes a job to be run.
 */
type JobTask struct {
	/** @brief Used for diagnostics only. */
	Name    string
	JobType JobType
	/** @brief A function to be invoked when the job starts. Required. */
	OnStart JobStart
	/** @brief A function to be invoked when the job successfully completes. Optional. */
	OnComplete JobOnComplete
	/** @brief A function to be invoked when the job fails. Optional. */
	OnFailure JobOnFailure
	/** @brief Invoked after OnComplete or OnFailure, whatever the outcome. Optional. */
	OnCompletionCallback func()
}
