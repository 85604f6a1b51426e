package pricing

import (
	"fmt"
	"math"
	"testing"
)

const samplePython = `from odoo import models, fields

class PurchaseOrder(models.Model):
    _name = "x.purchase.order"
    name = fields.Char()

class PurchaseLine(models.Model):
    _name = "x.purchase.line"

class ApprovalWizard(models.TransientModel):
    _name = "x.approval.wizard"
`

const sampleViews = `<odoo>
  <record id="view_form" model="ir.ui.view">
    <form string="Order"><field name="name"/></form>
  </record>
  <record id="view_tree" model="ir.ui.view">
    <tree string="Orders"><field name="name"/></tree>
  </record>
</odoo>
`

const sampleSecurity = `<odoo>
  <record id="access_order" model="ir.model.access">
    <field name="name">order access</field>
  </record>
</odoo>
`

func sampleBundle() map[string]string {
	return map[string]string{
		"models/purchase.py":    samplePython,
		"views/order_views.xml": sampleViews,
		"security/access.xml":   sampleSecurity,
	}
}

func TestCalculateBounds(t *testing.T) {
	engine := NewEngine(50, 100)
	spec := "An approval workflow with a dashboard report. The approval workflow sends a notification."

	result := engine.Calculate(sampleBundle(), spec, 0)

	if result.ComplexityScore <= 0 {
		t.Fatalf("expected positive complexity score, got %d", result.ComplexityScore)
	}
	if result.FinalPrice < engine.BasePrice || result.FinalPrice > engine.MaxPrice {
		t.Fatalf("price %v outside [%v, %v]", result.FinalPrice, engine.BasePrice, engine.MaxPrice)
	}
	if math.Mod(result.FinalPrice, 5) != 0 {
		t.Fatalf("price %v not a multiple of 5", result.FinalPrice)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	engine := NewEngine(50, 100)
	spec := "approval workflow with export api"

	first := engine.Calculate(sampleBundle(), spec, 2)
	for i := 0; i < 5; i++ {
		again := engine.Calculate(sampleBundle(), spec, 2)
		if again.FinalPrice != first.FinalPrice || again.ComplexityScore != first.ComplexityScore {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
		for key, points := range first.Breakdown {
			if again.Breakdown[key] != points {
				t.Fatalf("breakdown %q diverged: %v vs %v", key, again.Breakdown[key], points)
			}
		}
	}
}

func TestEmptyBundleFloorsAtBase(t *testing.T) {
	engine := NewEngine(50, 100)

	result := engine.Calculate(map[string]string{}, "", 0)

	if result.FinalPrice != engine.BasePrice {
		t.Fatalf("expected base price %v, got %v", engine.BasePrice, result.FinalPrice)
	}
	if result.ComplexityScore != 0 {
		t.Fatalf("expected zero score, got %d", result.ComplexityScore)
	}
}

func TestMassiveBundleCapsAtMax(t *testing.T) {
	engine := NewEngine(50, 100)

	bundle := map[string]string{}
	for i := 0; i < 40; i++ {
		bundle[fmt.Sprintf("models/model_%d.py", i)] = samplePython
		bundle[fmt.Sprintf("views/view_%d.xml", i)] = sampleViews
		bundle[fmt.Sprintf("security/sec_%d.xml", i)] = sampleSecurity
	}
	spec := "workflow approval api integration report dashboard wizard export import sync webhook"

	result := engine.Calculate(bundle, spec, 10)

	if result.FinalPrice != engine.MaxPrice {
		t.Fatalf("expected max price %v, got %v", engine.MaxPrice, result.FinalPrice)
	}
	if result.ComplexityScore != 100 {
		t.Fatalf("expected clamped score 100, got %d", result.ComplexityScore)
	}
}

func TestAnalyzeCounters(t *testing.T) {
	a := Analyze(sampleBundle(), "")

	if a.ModelClasses != 3 {
		t.Errorf("model classes: got %d, want 3", a.ModelClasses)
	}
	if a.WizardFiles != 1 {
		t.Errorf("wizard files: got %d, want 1", a.WizardFiles)
	}
	if a.ViewElements != 2 {
		t.Errorf("view elements: got %d, want 2", a.ViewElements)
	}
	if a.AccessRules != 1 {
		t.Errorf("access rules: got %d, want 1", a.AccessRules)
	}
	if a.LinesOfCode == 0 {
		t.Error("expected nonzero lines of code")
	}
}

func TestSpecKeywordDiminishingReturns(t *testing.T) {
	repeated := ""
	for i := 0; i < 50; i++ {
		repeated += "workflow "
	}

	if got := specComplexity(repeated); got != 10 {
		t.Fatalf("single keyword should cap at 10, got %d", got)
	}
	if got := specComplexity(""); got != 0 {
		t.Fatalf("empty spec should score 0, got %d", got)
	}
}
