package service

import (
	"math/rand"
	"strings"
)

// productionKeywords 所有优化后的提示词都会追加的画面质量描述
const productionKeywords = "cinematic lighting, high production value"

// maxSeed 随机种子上限
const maxSeed = 1_000_000

var viralElements = map[string][]string{
	"lifestyle":     {"trending", "aesthetic", "inspiring"},
	"entertainment": {"surprising", "humorous", "engaging"},
	"educational":   {"quick tip", "life hack", "tutorial"},
}

// OptimizePrompt 按内容类型追加传播元素和画面质量关键词，未知类型只追加质量关键词
func OptimizePrompt(prompt, contentType string) string {
	parts := []string{strings.TrimSpace(prompt)}
	parts = append(parts, viralElements[strings.ToLower(strings.TrimSpace(contentType))]...)
	parts = append(parts, productionKeywords)
	return strings.Join(parts, ", ")
}

// variationSeeds 为额外的变体生成互不相同的种子，避开主任务的种子
//
// 指定了 base 时按 base+1、base+2... 递增，结果可复现。
func variationSeeds(base *int, count int, randFn func(int) int) []int {
	if count <= 0 {
		return nil
	}
	seeds := make([]int, 0, count)
	if base != nil {
		for i := 1; i <= count; i++ {
			seeds = append(seeds, (*base+i)%maxSeed)
		}
		return seeds
	}

	if randFn == nil {
		randFn = rand.Intn
	}
	seen := make(map[int]struct{}, count)
	for len(seeds) < count {
		seed := randFn(maxSeed)
		if _, dup := seen[seed]; dup {
			continue
		}
		seen[seed] = struct{}{}
		seeds = append(seeds, seed)
	}
	return seeds
}
