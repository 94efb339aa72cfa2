package workflow

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ValidateShipment checks a shipped order against the active policy rules and
// records one violation per (order, type). Detection never blocks shipping:
// the shipment is already real, violations exist for the operator to review.
// Expected and actual values are captured verbatim from the rule and the
// order; re-validating a replayed event creates nothing new.
func ValidateShipment(tx *gorm.DB, logger *logrus.Logger, order *models.InboundOrder) ([]models.ShippingViolation, error) {
	rules, err := models.ActivePolicyRules(tx)
	if err != nil {
		config.LogError(logger, "workflow", "ValidateShipment", "load policy rules", order.OrderNumber, err)
		return nil, err
	}

	var created []models.ShippingViolation
	seen := map[models.ViolationType]bool{}
	for _, rule := range rules {
		if seen[rule.RuleType] {
			// Lower priority rule of this type already matched.
			continue
		}
		if !ruleMatchesDestination(&rule, order) {
			continue
		}
		seen[rule.RuleType] = true

		expected, actual, violated := evaluateRule(&rule, order)
		if !violated {
			continue
		}
		v := models.ShippingViolation{
			OrderNumber:   order.OrderNumber,
			ViolationType: rule.RuleType,
			ExpectedValue: expected,
			ActualValue:   actual,
		}
		wasCreated, err := models.CreateViolationOnce(tx, &v)
		if err != nil {
			return created, err
		}
		if wasCreated {
			logger.WithFields(logrus.Fields{
				"module":   "workflow",
				"order":    order.OrderNumber,
				"type":     rule.RuleType,
				"expected": expected,
				"actual":   actual,
			}).Warn("shipping policy violation")
			created = append(created, v)
		}
	}
	return created, nil
}

// ruleMatchesDestination checks the rule's destination selectors. Empty
// selectors match anything; set ones must all match.
func ruleMatchesDestination(rule *models.ShippingPolicyRule, order *models.InboundOrder) bool {
	if rule.DestCountry != "" && !strings.EqualFold(rule.DestCountry, order.ShipToCountry) {
		return false
	}
	if rule.DestState != "" && !strings.EqualFold(rule.DestState, order.ShipToState) {
		return false
	}
	if rule.PostcodePrefix != "" && !strings.HasPrefix(order.ShipToPostcode, rule.PostcodePrefix) {
		return false
	}
	return true
}

func evaluateRule(rule *models.ShippingPolicyRule, order *models.InboundOrder) (expected, actual string, violated bool) {
	switch rule.RuleType {
	case models.ViolationDisallowedCarrier:
		if strings.EqualFold(order.CarrierCode, rule.DisallowedCarrier) {
			return "not " + rule.DisallowedCarrier, order.CarrierCode, true
		}
	case models.ViolationDestinationServiceMismatch, models.ViolationCrossBorderServiceMismatch:
		exp := rule.ExpectedCarrier
		act := order.CarrierCode
		if rule.ExpectedService != "" {
			exp = rule.ExpectedCarrier + "/" + rule.ExpectedService
			act = order.CarrierCode + "/" + order.ServiceCode
		}
		carrierOk := rule.ExpectedCarrier == "" || strings.EqualFold(order.CarrierCode, rule.ExpectedCarrier)
		serviceOk := rule.ExpectedService == "" || strings.EqualFold(order.ServiceCode, rule.ExpectedService)
		if !carrierOk || !serviceOk {
			return exp, act, true
		}
	}
	return "", "", false
}

// ResolveViolation is the operator action closing out a recorded violation.
func ResolveViolation(tx *gorm.DB, id int, resolvedBy string) (*models.ShippingViolation, error) {
	return models.MarkViolationResolved(tx, id, time.Now().UTC(), resolvedBy)
}
