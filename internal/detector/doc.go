// Package detector implements the phi accrual failure detector.
package detector
