/*
Package testutil 提供 ReviewFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，避免各包
重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - Mock Worker: ScriptedWorker，支持 Builder 模式配置输出、
    错误注入、延迟与调用计数
  - 数据工厂: SampleInput / SampleOutput / SampleFinding，
    提供预置的分析输入与 Worker 输出样例

# 使用示例

	ctx := testutil.TestContext(t)
	w := testutil.NewScriptedWorker().WithConfidence(0.9)
	reg.Register(registry.Profile{Name: "w", Domain: "style"}, w)
*/
package testutil
