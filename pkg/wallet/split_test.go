package wallet

import "testing"

func TestSplitFloorsPayeeShare(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name             string
		gross            int64
		payeePercent     int64
		expectedPayee    int64
		expectedPlatform int64
	}{
		{name: "even split", gross: 1000, payeePercent: 60, expectedPayee: 600, expectedPlatform: 400},
		{name: "remainder goes to platform", gross: 999, payeePercent: 60, expectedPayee: 599, expectedPlatform: 400},
		{name: "small gross floors to zero", gross: 1, payeePercent: 55, expectedPayee: 0, expectedPlatform: 1},
		{name: "full share", gross: 250, payeePercent: 100, expectedPayee: 250, expectedPlatform: 0},
		{name: "zero share", gross: 250, payeePercent: 0, expectedPayee: 0, expectedPlatform: 250},
		{name: "zero gross", gross: 0, payeePercent: 55, expectedPayee: 0, expectedPlatform: 0},
		{name: "percent clamped high", gross: 100, payeePercent: 150, expectedPayee: 100, expectedPlatform: 0},
		{name: "percent clamped low", gross: 100, payeePercent: -5, expectedPayee: 0, expectedPlatform: 100},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			payee, platform := Split(testCase.gross, testCase.payeePercent)
			if payee != testCase.expectedPayee || platform != testCase.expectedPlatform {
				test.Fatalf("Split(%d, %d) = (%d, %d), expected (%d, %d)",
					testCase.gross, testCase.payeePercent, payee, platform, testCase.expectedPayee, testCase.expectedPlatform)
			}
		})
	}
}

func TestSplitPartsSumToGross(test *testing.T) {
	test.Parallel()
	for gross := int64(1); gross <= 300; gross++ {
		for _, percent := range []int64{1, 33, 55, 60, 99} {
			payee, platform := Split(gross, percent)
			if payee+platform != gross {
				test.Fatalf("Split(%d, %d) parts sum to %d", gross, percent, payee+platform)
			}
			if payee < 0 || platform < 0 {
				test.Fatalf("Split(%d, %d) produced a negative part", gross, percent)
			}
		}
	}
}

func TestTransferFeeRoundsUp(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name     string
		amount   int64
		rateBps  int64
		expected int64
	}{
		{name: "exact", amount: 100, rateBps: 500, expected: 5},
		{name: "fraction rounds up", amount: 101, rateBps: 500, expected: 6},
		{name: "tiny amount still charged", amount: 1, rateBps: 500, expected: 1},
		{name: "zero amount", amount: 0, rateBps: 500, expected: 0},
		{name: "zero rate", amount: 100, rateBps: 0, expected: 0},
		{name: "one basis point", amount: 9999, rateBps: 1, expected: 1},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fee := TransferFee(testCase.amount, testCase.rateBps)
			if fee != testCase.expected {
				test.Fatalf("TransferFee(%d, %d) = %d, expected %d", testCase.amount, testCase.rateBps, fee, testCase.expected)
			}
		})
	}
}
