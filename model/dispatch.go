package model

import "time"

type DispatchStatus string

const DISPATCH_RUNNING DispatchStatus = "running"
const DISPATCH_PAUSED DispatchStatus = "paused"
const DISPATCH_STOPPED DispatchStatus = "stopped"
const DISPATCH_COMPLETED DispatchStatus = "completed"
const DISPATCH_ERROR DispatchStatus = "error"

type DispatchType string

const DISPATCH_TYPE_TEMPLATE DispatchType = "template"
const DISPATCH_TYPE_FLOW DispatchType = "flow"

type Lead map[string]any

type Dispatch struct {
	Id           string            `json:"id"`
	OwnerId      string            `json:"ownerId"`
	LeadsData    []Lead            `json:"leadsData"`
	CurrentIndex int               `json:"currentIndex"`
	SuccessCount int               `json:"successCount"`
	ErrorCount   int               `json:"errorCount"`
	Status       DispatchStatus    `json:"status"`
	DispatchType DispatchType      `json:"dispatchType"`
	TemplateName string            `json:"templateName,omitempty"`
	Language     string            `json:"language,omitempty"`
	FlowId       string            `json:"flowId,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Processed reports how many rows have a recorded outcome.
func (d *Dispatch) Processed() int {
	return d.SuccessCount + d.ErrorCount
}

type DispatchProgress struct {
	DispatchId   string         `json:"dispatchId"`
	CurrentIndex int            `json:"currentIndex"`
	TotalLeads   int            `json:"totalLeads"`
	SuccessCount int            `json:"successCount"`
	ErrorCount   int            `json:"errorCount"`
	Status       DispatchStatus `json:"status"`
}

func (d *Dispatch) Progress() DispatchProgress {
	return DispatchProgress{
		DispatchId:   d.Id,
		CurrentIndex: d.CurrentIndex,
		TotalLeads:   len(d.LeadsData),
		SuccessCount: d.SuccessCount,
		ErrorCount:   d.ErrorCount,
		Status:       d.Status,
	}
}

type RowStatus string

const ROW_SUCCESS RowStatus = "success"
const ROW_ERROR RowStatus = "error"

type DispatchLog struct {
	Id         string    `json:"id"`
	DispatchId string    `json:"dispatchId"`
	RowIndex   int       `json:"rowIndex"`
	Phone      string    `json:"phone"`
	Status     RowStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DispatchJob is one row of a dispatch handed to the job queue.
type DispatchJob struct {
	DispatchId string `json:"dispatchId"`
	RowIndex   int    `json:"rowIndex"`
}
