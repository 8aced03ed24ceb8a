// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import "fmt"

// 键空间是对外契约，别的进程（运维脚本、外部消费者）会按这些模式读取，改动即破坏兼容。

// TaskScanPrefix 对账扫描用的执行状态键前缀
const TaskScanPrefix = "task:"

// KeyDLQIndex 死信索引（有序集合，score 为发现时刻 unix 秒）
const KeyDLQIndex = "dlq:index"

// KeyTask 执行状态
func KeyTask(executionID string) string {
	return TaskScanPrefix + executionID
}

// KeyExecLock 执行锁
func KeyExecLock(executionID string) string {
	return fmt.Sprintf("exec:%s:lock", executionID)
}

// KeyStepDone 步骤幂等标记；写一次后不再释放
func KeyStepDone(executionID string, index int) string {
	return fmt.Sprintf("exec:%s:step:%d:done", executionID, index)
}

// KeyConfirmationToken 按令牌检索确认数据
func KeyConfirmationToken(token string) string {
	return "confirmation:" + token
}

// KeyConfirmationExec 按执行检索当前确认令牌
func KeyConfirmationExec(executionID string) string {
	return "confirmation:exec:" + executionID
}

// KeyReplanMarker 重规划标记（短 TTL）
func KeyReplanMarker(executionID string) string {
	return fmt.Sprintf("exec:%s:replan", executionID)
}

// KeyFailoverSnapshot 失败转移决策快照
func KeyFailoverSnapshot(executionID string) string {
	return fmt.Sprintf("exec:%s:failover", executionID)
}

// KeyDLQEntry 死信记录
func KeyDLQEntry(executionID string) string {
	return "dlq:saga:" + executionID
}

// KeyHeartbeat 心跳记录
func KeyHeartbeat(executionID string) string {
	return "heartbeat:" + executionID
}

// KeySeq 作用域内单调递增序列号
func KeySeq(scope string) string {
	return "seq:" + scope
}

// KeyVersionCheckpoint 让出控制时的版本指纹
func KeyVersionCheckpoint(executionID string) string {
	return "schema_versioning:checkpoint:" + executionID
}

// ExecutionIDFromTaskKey 从 task:{id} 键还原执行 id；非 task 键返回空串
func ExecutionIDFromTaskKey(key string) string {
	if len(key) <= len(TaskScanPrefix) || key[:len(TaskScanPrefix)] != TaskScanPrefix {
		return ""
	}
	return key[len(TaskScanPrefix):]
}
