package types

import "fmt"

const ArchiveName = "ball.tar"

// PipelineTask is the descriptor of one fuzzing pipeline, published on the fuzzing queue
type PipelineTask struct {
	Handle       string `json:"handle"` // fan-in handle the pipeline reports to
	CampaignID   string `json:"campaign_id"`
	PipelineID   string `json:"pipeline_id"`
	Fuzzer       string `json:"fuzzer"`
	Target       string `json:"target"`
	Program      string `json:"program"`
	Args         string `json:"args,omitempty"`
	Poll         int    `json:"poll"`
	Timeout      int    `json:"timeout"`
	TraceContext string `json:"trace_context,omitempty"` // exported span of the scheduler
}

// ReduceTask is published once all pipelines of a campaign reached a terminal state
type ReduceTask struct {
	Handle       string `json:"handle"`
	CampaignID   string `json:"campaign_id"`
	TraceContext string `json:"trace_context,omitempty"`
}

// ArtifactKey returns the storage key of the archive produced by a pipeline:
// {campaign_id}/{fuzzer}/{target}/{program}/{pipeline_id}/{archive_name}
func ArtifactKey(t PipelineTask, archiveName string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", t.CampaignID, t.Fuzzer, t.Target, t.Program, t.PipelineID, archiveName)
}

// CampaignPrefix is the list prefix covering exactly the artifacts of a campaign
func CampaignPrefix(campaignID string) string {
	return campaignID + "/"
}

func ReportKey(campaignID string) string {
	return campaignID + ".json"
}
