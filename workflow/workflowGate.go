package workflow

import (
	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkflowGate reports whether a named workflow may run, lazily registering
// unknown workflows as enabled. Long-running workers re-check the gate between
// items so a mid-run disable stops them at the next boundary.
func WorkflowGate(tx *gorm.DB, logger *logrus.Logger, workflowName string) (bool, error) {
	wc, err := models.GetOrCreateWorkflowControl(tx, workflowName)
	if err != nil {
		config.LogError(logger, "workflow", "WorkflowGate", "load workflow control", workflowName, err)
		return false, err
	}
	if !utils.BoolValue(wc.IsEnabled) {
		logger.WithFields(logrus.Fields{
			"module":   "workflow",
			"workflow": workflowName,
		}).Info("workflow disabled; skipping")
		return false, nil
	}
	return true, nil
}
